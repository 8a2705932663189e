package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/storefront-payments/internal/payment"
	"github.com/frahmantamala/storefront-payments/pkg/mongodb"
)

const collectionName = "payments"

// PaymentRepository stores payments as documents. Transitions are single
// FindOneAndUpdate calls filtered on the expected status.
type PaymentRepository struct {
	coll *mongo.Collection
}

func NewPaymentRepository(db *mongo.Database) *PaymentRepository {
	return &PaymentRepository{coll: db.Collection(collectionName)}
}

var _ paymentpkg.RepositoryAPI = (*PaymentRepository)(nil)

type refundDoc struct {
	ID        string               `bson:"id"`
	Amount    primitive.Decimal128 `bson:"amount"`
	Reason    string               `bson:"reason"`
	Status    string               `bson:"status"`
	Processor string               `bson:"processor"`
	CreatedAt time.Time            `bson:"created_at"`
}

type paymentDoc struct {
	ID            string `bson:"_id"`
	PaymentNumber string `bson:"payment_number"`
	OrderID       string `bson:"order_id"`
	CustomerID    string `bson:"customer_id"`

	Amount        primitive.Decimal128  `bson:"amount"`
	ActualAmount  *primitive.Decimal128 `bson:"actual_amount,omitempty"`
	Currency      string                `bson:"currency"`
	FeeGateway    primitive.Decimal128  `bson:"fee_gateway"`
	FeeProcessing primitive.Decimal128  `bson:"fee_processing"`
	FeeTax        primitive.Decimal128  `bson:"fee_tax"`
	FeeTotal      primitive.Decimal128  `bson:"fee_total"`

	Method  string `bson:"method"`
	Gateway string `bson:"gateway"`

	CheckoutRequestID *string `bson:"checkout_request_id,omitempty"`
	MerchantRequestID *string `bson:"merchant_request_id,omitempty"`
	ReceiptNumber     *string `bson:"receipt_number,omitempty"`
	PhoneNumber       *string `bson:"phone_number,omitempty"`
	RequestPhone      string  `bson:"request_phone"`

	Status string `bson:"status"`
	Active bool   `bson:"active"`

	InitiatedAt  *time.Time `bson:"initiated_at,omitempty"`
	AuthorizedAt *time.Time `bson:"authorized_at,omitempty"`
	CapturedAt   *time.Time `bson:"captured_at,omitempty"`
	PaidAt       *time.Time `bson:"paid_at,omitempty"`
	FailedAt     *time.Time `bson:"failed_at,omitempty"`
	CancelledAt  *time.Time `bson:"cancelled_at,omitempty"`
	ExpiredAt    *time.Time `bson:"expired_at,omitempty"`

	FailureCode    *string `bson:"failure_code,omitempty"`
	FailureMessage *string `bson:"failure_message,omitempty"`
	FailureReason  *string `bson:"failure_reason,omitempty"`

	Refunds []refundDoc `bson:"refunds"`

	Attempts    int        `bson:"attempts"`
	MaxAttempts int        `bson:"max_attempts"`
	NextRetryAt *time.Time `bson:"next_retry_at,omitempty"`

	RiskScore        int    `bson:"risk_score"`
	RiskLevel        string `bson:"risk_level"`
	FlaggedForReview bool   `bson:"flagged_for_review"`

	GatewayResponse    string `bson:"gateway_response,omitempty"`
	SideEffectsPending bool   `bson:"side_effects_pending"`

	Version   int       `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toDoc(p *payment.Payment) *paymentDoc {
	d := &paymentDoc{
		ID:                 p.ID,
		PaymentNumber:      p.PaymentNumber,
		OrderID:            p.OrderID,
		CustomerID:         p.CustomerID,
		Amount:             mongodb.Decimal128(p.Amount),
		ActualAmount:       mongodb.NullDecimal128(p.ActualAmount),
		Currency:           p.Currency,
		FeeGateway:         mongodb.Decimal128(p.Fees.Gateway),
		FeeProcessing:      mongodb.Decimal128(p.Fees.Processing),
		FeeTax:             mongodb.Decimal128(p.Fees.Tax),
		FeeTotal:           mongodb.Decimal128(p.FeeTotal),
		Method:             p.Method,
		Gateway:            p.Gateway,
		CheckoutRequestID:  p.CheckoutRequestID,
		MerchantRequestID:  p.MerchantRequestID,
		ReceiptNumber:      p.ReceiptNumber,
		PhoneNumber:        p.PhoneNumber,
		RequestPhone:       p.RequestPhone,
		Status:             string(p.Status),
		Active:             paymentpkg.IsActive(p.Status),
		InitiatedAt:        p.InitiatedAt,
		AuthorizedAt:       p.AuthorizedAt,
		CapturedAt:         p.CapturedAt,
		PaidAt:             p.PaidAt,
		FailedAt:           p.FailedAt,
		CancelledAt:        p.CancelledAt,
		ExpiredAt:          p.ExpiredAt,
		FailureCode:        p.FailureCode,
		FailureMessage:     p.FailureMessage,
		FailureReason:      p.FailureReason,
		Refunds:            make([]refundDoc, 0, len(p.Refunds)),
		Attempts:           p.Attempts,
		MaxAttempts:        p.MaxAttempts,
		NextRetryAt:        p.NextRetryAt,
		RiskScore:          p.RiskScore,
		RiskLevel:          p.RiskLevel,
		FlaggedForReview:   p.FlaggedForReview,
		GatewayResponse:    p.GatewayResponse,
		SideEffectsPending: p.SideEffectsPending,
		Version:            p.Version,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	for _, r := range p.Refunds {
		d.Refunds = append(d.Refunds, refundDoc{
			ID:        r.ID,
			Amount:    mongodb.Decimal128(r.Amount),
			Reason:    r.Reason,
			Status:    r.Status,
			Processor: r.Processor,
			CreatedAt: r.CreatedAt,
		})
	}
	return d
}

func (d *paymentDoc) toPayment() *payment.Payment {
	p := &payment.Payment{
		ID:            d.ID,
		PaymentNumber: d.PaymentNumber,
		OrderID:       d.OrderID,
		CustomerID:    d.CustomerID,
		Amount:        mongodb.Decimal(d.Amount),
		ActualAmount:  mongodb.NullDecimal(d.ActualAmount),
		Currency:      d.Currency,
		Fees: payment.Fees{
			Gateway:    mongodb.Decimal(d.FeeGateway),
			Processing: mongodb.Decimal(d.FeeProcessing),
			Tax:        mongodb.Decimal(d.FeeTax),
		},
		FeeTotal:           mongodb.Decimal(d.FeeTotal),
		Method:             d.Method,
		Gateway:            d.Gateway,
		CheckoutRequestID:  d.CheckoutRequestID,
		MerchantRequestID:  d.MerchantRequestID,
		ReceiptNumber:      d.ReceiptNumber,
		PhoneNumber:        d.PhoneNumber,
		RequestPhone:       d.RequestPhone,
		Status:             payment.Status(d.Status),
		InitiatedAt:        d.InitiatedAt,
		AuthorizedAt:       d.AuthorizedAt,
		CapturedAt:         d.CapturedAt,
		PaidAt:             d.PaidAt,
		FailedAt:           d.FailedAt,
		CancelledAt:        d.CancelledAt,
		ExpiredAt:          d.ExpiredAt,
		FailureCode:        d.FailureCode,
		FailureMessage:     d.FailureMessage,
		FailureReason:      d.FailureReason,
		Attempts:           d.Attempts,
		MaxAttempts:        d.MaxAttempts,
		NextRetryAt:        d.NextRetryAt,
		RiskScore:          d.RiskScore,
		RiskLevel:          d.RiskLevel,
		FlaggedForReview:   d.FlaggedForReview,
		GatewayResponse:    d.GatewayResponse,
		SideEffectsPending: d.SideEffectsPending,
		Version:            d.Version,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
	for _, r := range d.Refunds {
		p.Refunds = append(p.Refunds, payment.Refund{
			ID:        r.ID,
			Amount:    mongodb.Decimal(r.Amount),
			Reason:    r.Reason,
			Status:    r.Status,
			Processor: r.Processor,
			CreatedAt: r.CreatedAt,
		})
	}
	return p
}

// EnsureIndexes creates the lookup indexes and the one-active-payment-per-order constraint.
func (r *PaymentRepository) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "payment_number", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "checkout_request_id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updated_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("side_effects_pending").SetPartialFilterExpression(bson.M{"side_effects_pending": true}),
		},
		{
			Keys: bson.D{{Key: "order_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetName("one_active_per_order").
				SetPartialFilterExpression(bson.M{"active": true}),
		},
	}
	_, err := r.coll.Indexes().CreateMany(ctx, models)
	return err
}

func (r *PaymentRepository) Create(ctx context.Context, p *payment.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	_, err := r.coll.InsertOne(ctx, toDoc(p))
	if mongo.IsDuplicateKeyError(err) {
		return internal.ErrActivePaymentExists.WithCause(err)
	}
	return err
}

func (r *PaymentRepository) findOne(ctx context.Context, filter bson.M) (*payment.Payment, error) {
	var d paymentDoc
	if err := r.coll.FindOne(ctx, filter).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, internal.ErrPaymentNotFound
		}
		return nil, err
	}
	return d.toPayment(), nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*payment.Payment, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *PaymentRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*payment.Payment, error) {
	return r.findOne(ctx, bson.M{"checkout_request_id": checkoutRequestID})
}

func (r *PaymentRepository) FindActiveByOrderID(ctx context.Context, orderID string) (*payment.Payment, error) {
	return r.findOne(ctx, bson.M{"order_id": orderID, "active": true})
}

// Transition runs an update pipeline so lifecycle timestamps can keep their
// first value with $ifNull inside the same atomic write.
func (r *PaymentRepository) Transition(ctx context.Context, u payment.StatusUpdate) (*payment.Payment, bool, error) {
	key := bson.M{"_id": u.PaymentID}
	if u.PaymentID == "" {
		key = bson.M{"checkout_request_id": u.CheckoutRequestID}
	}

	filter := bson.M{"status": bson.M{"$in": payment.StatusStrings(u.From)}}
	for k, v := range key {
		filter[k] = v
	}

	set := bson.M{
		"status":     string(u.To),
		"active":     paymentpkg.IsActive(u.To),
		"updated_at": u.At,
		"version":    bson.M{"$add": bson.A{"$version", 1}},
	}
	for _, col := range payment.TimestampColumns(u.To) {
		set[col] = bson.M{"$ifNull": bson.A{"$" + col, u.At}}
	}
	setIf(set, "checkout_request_id", u.NewCheckoutRequestID)
	setIf(set, "merchant_request_id", u.NewMerchantRequestID)
	setIf(set, "receipt_number", u.ReceiptNumber)
	setIf(set, "phone_number", u.PhoneNumber)
	setIf(set, "failure_code", u.FailureCode)
	setIf(set, "failure_message", u.FailureMessage)
	setIf(set, "failure_reason", u.FailureReason)
	setIf(set, "gateway_response", u.GatewayResponse)
	if u.ActualAmount != nil {
		set["actual_amount"] = mongodb.Decimal128(*u.ActualAmount)
	}
	if u.SideEffectsPending != nil {
		set["side_effects_pending"] = bson.M{"$literal": *u.SideEffectsPending}
	}

	pipeline := mongo.Pipeline{{{Key: "$set", Value: set}}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d paymentDoc
	err := r.coll.FindOneAndUpdate(ctx, filter, pipeline, opts).Decode(&d)
	if err == nil {
		return d.toPayment(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, err
	}

	current, err := r.findOne(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func setIf(set bson.M, field string, v *string) {
	if v != nil {
		set[field] = bson.M{"$literal": *v}
	}
}

func (r *PaymentRepository) Save(ctx context.Context, p *payment.Payment, expectedVersion int) error {
	p.Version = expectedVersion + 1
	p.UpdatedAt = time.Now().UTC()

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": p.ID, "version": expectedVersion}, toDoc(p))
	if err != nil {
		p.Version = expectedVersion
		return err
	}
	if res.MatchedCount == 0 {
		p.Version = expectedVersion
		if _, err := r.GetByID(ctx, p.ID); err != nil {
			return err
		}
		return internal.ErrVersionConflict
	}
	return nil
}

func (r *PaymentRepository) ListStale(ctx context.Context, statuses []payment.Status, before time.Time, limit int) ([]*payment.Payment, error) {
	return r.list(ctx, bson.M{
		"status":     bson.M{"$in": payment.StatusStrings(statuses)},
		"updated_at": bson.M{"$lt": before},
	}, limit)
}

func (r *PaymentRepository) ListPendingSideEffects(ctx context.Context, before time.Time, limit int) ([]*payment.Payment, error) {
	return r.list(ctx, bson.M{
		"side_effects_pending": true,
		"updated_at":           bson.M{"$lt": before},
	}, limit)
}

// ClearSideEffects drops the side-effects marker. It is a no-op when the
// marker is already clear.
func (r *PaymentRepository) ClearSideEffects(ctx context.Context, id string) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "side_effects_pending": true},
		bson.M{
			"$set": bson.M{"side_effects_pending": false},
			"$inc": bson.M{"version": 1},
		})
	return err
}

func (r *PaymentRepository) list(ctx context.Context, filter bson.M, limit int) ([]*payment.Payment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}).SetLimit(int64(limit))

	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var payments []*payment.Payment
	for cur.Next(ctx) {
		var d paymentDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		payments = append(payments, d.toPayment())
	}
	return payments, cur.Err()
}
