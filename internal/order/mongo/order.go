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
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/pkg/mongodb"
)

const collectionName = "orders"

var paidStatuses = bson.A{order.PaymentStatusPaid, order.PaymentStatusRefunded}

// OrderRepository keeps orders and their status history in one document so
// confirmation and the history append are a single atomic update.
type OrderRepository struct {
	coll *mongo.Collection
}

func NewOrderRepository(db *mongo.Database) *OrderRepository {
	return &OrderRepository{coll: db.Collection(collectionName)}
}

type itemDoc struct {
	ProductID string               `bson:"product_id"`
	Name      string               `bson:"name,omitempty"`
	Quantity  int                  `bson:"quantity"`
	Price     primitive.Decimal128 `bson:"price"`
}

type historyDoc struct {
	Status    string    `bson:"status"`
	Note      string    `bson:"note,omitempty"`
	Actor     string    `bson:"actor,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

type orderDoc struct {
	ID            string               `bson:"_id"`
	OrderNumber   string               `bson:"order_number"`
	CustomerID    string               `bson:"customer_id"`
	CustomerEmail string               `bson:"customer_email,omitempty"`
	CustomerPhone string               `bson:"customer_phone,omitempty"`
	Total         primitive.Decimal128 `bson:"total"`
	Currency      string               `bson:"currency"`
	Status        string               `bson:"status"`

	PaymentStatus         string     `bson:"payment_status"`
	PaymentTransactionRef *string    `bson:"payment_transaction_ref,omitempty"`
	PaymentReceipt        *string    `bson:"payment_receipt,omitempty"`
	PaymentPaidAt         *time.Time `bson:"payment_paid_at,omitempty"`
	CheckoutRequestID     *string    `bson:"checkout_request_id,omitempty"`
	MerchantRequestID     *string    `bson:"merchant_request_id,omitempty"`

	Items         []itemDoc    `bson:"items"`
	StatusHistory []historyDoc `bson:"status_history"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func toDoc(o *order.Order) *orderDoc {
	d := &orderDoc{
		ID:                    o.ID,
		OrderNumber:           o.OrderNumber,
		CustomerID:            o.CustomerID,
		CustomerEmail:         o.CustomerEmail,
		CustomerPhone:         o.CustomerPhone,
		Total:                 mongodb.Decimal128(o.Total),
		Currency:              o.Currency,
		Status:                o.Status,
		PaymentStatus:         o.PaymentStatus,
		PaymentTransactionRef: o.PaymentTransactionRef,
		PaymentReceipt:        o.PaymentReceipt,
		PaymentPaidAt:         o.PaymentPaidAt,
		CheckoutRequestID:     o.CheckoutRequestID,
		MerchantRequestID:     o.MerchantRequestID,
		Items:                 make([]itemDoc, 0, len(o.Items)),
		StatusHistory:         make([]historyDoc, 0, len(o.StatusHistory)),
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
	}
	for _, item := range o.Items {
		d.Items = append(d.Items, itemDoc{ProductID: item.ProductID, Name: item.Name, Quantity: item.Quantity, Price: mongodb.Decimal128(item.Price)})
	}
	for _, h := range o.StatusHistory {
		d.StatusHistory = append(d.StatusHistory, historyDoc{Status: h.Status, Note: h.Note, Actor: h.Actor, CreatedAt: h.CreatedAt})
	}
	return d
}

func (d *orderDoc) toOrder() *order.Order {
	o := &order.Order{
		ID:                    d.ID,
		OrderNumber:           d.OrderNumber,
		CustomerID:            d.CustomerID,
		CustomerEmail:         d.CustomerEmail,
		CustomerPhone:         d.CustomerPhone,
		Total:                 mongodb.Decimal(d.Total),
		Currency:              d.Currency,
		Status:                d.Status,
		PaymentStatus:         d.PaymentStatus,
		PaymentTransactionRef: d.PaymentTransactionRef,
		PaymentReceipt:        d.PaymentReceipt,
		PaymentPaidAt:         d.PaymentPaidAt,
		CheckoutRequestID:     d.CheckoutRequestID,
		MerchantRequestID:     d.MerchantRequestID,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
	}
	for _, item := range d.Items {
		o.Items = append(o.Items, order.Item{ProductID: item.ProductID, Name: item.Name, Quantity: item.Quantity, Price: mongodb.Decimal(item.Price)})
	}
	for i, h := range d.StatusHistory {
		o.StatusHistory = append(o.StatusHistory, order.StatusHistoryEntry{
			ID:        uint(i + 1),
			OrderID:   d.ID,
			Status:    h.Status,
			Note:      h.Note,
			Actor:     h.Actor,
			CreatedAt: h.CreatedAt,
		})
	}
	return o
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	_, err := r.coll.InsertOne(ctx, toDoc(o))
	return err
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	var d orderDoc
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, internal.ErrOrderNotFound
		}
		return nil, err
	}
	return d.toOrder(), nil
}

func mirrorSet(m order.PaymentMirror, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	for k, v := range m.Updates() {
		set[k] = v
	}
	return set
}

func (r *OrderRepository) UpdatePaymentMirror(ctx context.Context, orderID string, mirror order.PaymentMirror) error {
	filter := bson.M{"_id": orderID}
	if mirror.Status != order.PaymentStatusRefunded {
		filter["payment_status"] = bson.M{"$nin": paidStatuses}
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": mirrorSet(mirror, time.Now().UTC())})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		n, err := r.coll.CountDocuments(ctx, bson.M{"_id": orderID})
		if err != nil {
			return err
		}
		if n == 0 {
			return internal.ErrOrderNotFound
		}
	}
	return nil
}

func (r *OrderRepository) ConfirmPayment(ctx context.Context, orderID string, mirror order.PaymentMirror, entry order.StatusHistoryEntry) (*order.Order, bool, error) {
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	set := bson.M{}
	for k, v := range mirrorSet(mirror, now) {
		set[k] = bson.M{"$literal": v}
	}
	set["status"] = bson.M{"$cond": bson.A{
		bson.M{"$eq": bson.A{"$status", order.StatusPending}},
		order.StatusConfirmed,
		"$status",
	}}
	set["status_history"] = bson.M{"$concatArrays": bson.A{
		bson.M{"$ifNull": bson.A{"$status_history", bson.A{}}},
		bson.A{bson.M{"$literal": historyDoc{Status: entry.Status, Note: entry.Note, Actor: entry.Actor, CreatedAt: entry.CreatedAt}}},
	}}

	filter := bson.M{"_id": orderID, "payment_status": bson.M{"$nin": paidStatuses}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var d orderDoc
	err := r.coll.FindOneAndUpdate(ctx, filter, mongo.Pipeline{{{Key: "$set", Value: set}}}, opts).Decode(&d)
	if err == nil {
		return d.toOrder(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, err
	}
	current, err := r.GetByID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}
