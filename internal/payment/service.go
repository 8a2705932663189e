package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/storefront-payments/internal"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/mpesa"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/order"
	"github.com/frahmantamala/storefront-payments/internal/core/datamodel/payment"
	"github.com/frahmantamala/storefront-payments/internal/core/events"
	"github.com/frahmantamala/storefront-payments/internal/queue"
)

const (
	FailureCodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	FailureCodeTimeout            = "TIMEOUT"
	FailureCodeExpired            = "EXPIRED"

	systemActor    = "system"
	saveRetries    = 3
	settleRetries  = 10
	staleBatchSize = 100

	// sideEffectsGrace leaves request paths time to clear their own marker
	// before the sweep resumes it.
	sideEffectsGrace = time.Minute
)

// ServiceAPI is what the HTTP handlers and job handlers depend on.
type ServiceAPI interface {
	Initiate(ctx context.Context, req InitiateRequest, actor errors.Actor) (*InitiateResult, error)
	HandleCallback(ctx context.Context, raw []byte) CallbackAck
	HandleTimeoutNotice(ctx context.Context, raw []byte) CallbackAck
	CheckStatus(ctx context.Context, paymentID string, actor errors.Actor) (*PaymentView, error)
	Retry(ctx context.Context, paymentID string, actor errors.Actor) (*InitiateResult, error)
	Refund(ctx context.Context, paymentID string, req RefundRequest, actor errors.Actor) (*PaymentView, error)
}

type Config struct {
	MaxAttempts   int
	Currency      string
	QueryTimeout  time.Duration
	PendingExpiry time.Duration
}

// outcome is a gateway result normalized from a callback, timeout notice or
// status query.
type outcome struct {
	CheckoutRequestID string
	Status            payment.Status
	ReceiptNumber     string
	PhoneNumber       string
	Amount            decimal.NullDecimal
	FailureCode       string
	FailureMessage    string
	Raw               []byte
	Source            string
}

func fromCallback(cb *mpesa.CallbackResult, source string) outcome {
	o := outcome{
		CheckoutRequestID: cb.CheckoutRequestID,
		Raw:               cb.Raw,
		Source:            source,
	}
	if cb.Success() {
		o.Status = payment.StatusCompleted
		o.ReceiptNumber = cb.ReceiptNumber
		o.PhoneNumber = cb.PhoneNumber
		o.Amount = cb.Amount
		return o
	}
	o.Status = payment.StatusFailed
	o.FailureCode = strconv.Itoa(cb.ResultCode)
	o.FailureMessage = cb.ResultDesc
	return o
}

// failureReason maps the common Daraja result codes to a customer-facing reason.
func failureReason(code string) string {
	switch code {
	case "1":
		return "insufficient funds"
	case "1032":
		return "request cancelled by user"
	case "1037":
		return "customer could not be reached"
	case "2001":
		return "invalid PIN entered"
	case FailureCodeTimeout:
		return "payment request timed out"
	case FailureCodeExpired:
		return "payment request expired"
	case FailureCodeGatewayUnavailable:
		return "payment gateway unavailable"
	default:
		return "payment failed"
	}
}

type Service struct {
	repo     RepositoryAPI
	orders   OrderRepositoryAPI
	gateway  GatewayAPI
	events   EventPublisher
	refunds  RefundExecutor
	alerts   Enqueuer
	opsEmail string
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

type ServiceOption func(*Service)

func WithRefundExecutor(ex RefundExecutor) ServiceOption {
	return func(s *Service) {
		if ex != nil {
			s.refunds = ex
		}
	}
}

// WithAlerts enables ops emails for outcomes that reconciliation cannot apply.
func WithAlerts(enq Enqueuer, opsEmail string) ServiceOption {
	return func(s *Service) {
		s.alerts = enq
		s.opsEmail = opsEmail
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(repo RepositoryAPI, orders OrderRepositoryAPI, gateway GatewayAPI, publisher EventPublisher, cfg Config, logger *slog.Logger, opts ...ServiceOption) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = 15 * time.Minute
	}
	s := &Service{
		repo:    repo,
		orders:  orders,
		gateway: gateway,
		events:  publisher,
		refunds: noopRefundExecutor{},
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func authorize(p *payment.Payment, actor errors.Actor) error {
	if actor.IsAdmin() || (actor.ID != "" && p.CustomerID == actor.ID) {
		return nil
	}
	return errors.ErrForbidden
}

// Initiate creates a pending payment for the order and sends the STK push.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest, actor errors.Actor) (*InitiateResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	phone, err := mpesa.NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, errors.NewValidationFieldError("phoneNumber", err.Error(), errors.ErrCodeInvalidPhone)
	}

	ord, err := s.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		s.logger.Warn("Initiate: order lookup failed", "order_id", req.OrderID, "error", err)
		return nil, err
	}
	if ord.CustomerID != actor.ID {
		s.logger.Warn("Initiate: order belongs to another customer", "order_id", ord.ID, "user_id", actor.ID)
		return nil, errors.ErrForbidden
	}
	if ord.IsPaid() {
		return nil, errors.ErrAlreadyPaid
	}

	active, err := s.repo.FindActiveByOrderID(ctx, ord.ID)
	if err != nil && !stderrors.Is(err, errors.ErrPaymentNotFound) {
		return nil, err
	}
	if active != nil {
		s.logger.Info("Initiate: order already has an active payment", "order_id", ord.ID, "payment_id", active.ID)
		return nil, errors.ErrActivePaymentExists
	}

	p := NewPayment(ord, phone, s.cfg.Currency, s.cfg.MaxAttempts, s.now())
	if err := s.repo.Create(ctx, p); err != nil {
		s.logger.Error("Initiate: failed to create payment", "order_id", ord.ID, "error", err)
		return nil, err
	}
	s.logger.Info("payment created", "payment_id", p.ID, "payment_number", p.PaymentNumber, "order_id", ord.ID)

	return s.push(ctx, p, ord)
}

// push sends the STK request for a pending payment and records the outcome.
func (s *Service) push(ctx context.Context, p *payment.Payment, ord *order.Order) (*InitiateResult, error) {
	res, err := s.gateway.Push(ctx, mpesa.PushRequest{
		PhoneNumber: p.RequestPhone,
		Amount:      p.Amount,
		Reference:   ord.OrderNumber,
		Description: "Order " + ord.OrderNumber,
	})
	if err != nil {
		s.logger.Error("STK push failed", "payment_id", p.ID, "order_id", ord.ID, "error", err)
		s.markPushFailed(ctx, p, err)
		if _, ok := errors.IsAppError(err); ok {
			return nil, err
		}
		return nil, errors.ErrGatewayUnavailable.WithCause(err)
	}

	raw := string(res.Raw)
	updated, applied, err := s.transition(ctx, payment.StatusUpdate{
		PaymentID:            p.ID,
		From:                 []payment.Status{payment.StatusPending},
		To:                   payment.StatusProcessing,
		At:                   s.now(),
		NewCheckoutRequestID: &res.CheckoutRequestID,
		NewMerchantRequestID: &res.MerchantRequestID,
		GatewayResponse:      &raw,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.Warn("payment left pending before push completed", "payment_id", p.ID, "status", updated.Status)
		return nil, errors.ErrInvalidTransition.WithCause(fmt.Errorf("payment is %s", updated.Status))
	}

	ref := updated.PaymentNumber
	if err := s.orders.UpdatePaymentMirror(ctx, ord.ID, order.PaymentMirror{
		Status:            order.PaymentStatusProcessing,
		TransactionRef:    &ref,
		CheckoutRequestID: &res.CheckoutRequestID,
		MerchantRequestID: &res.MerchantRequestID,
	}); err != nil {
		s.logger.Error("failed to mirror processing payment on order", "order_id", ord.ID, "error", err)
	}

	s.logger.Info("STK push sent",
		"payment_id", updated.ID,
		"order_id", ord.ID,
		"checkout_request_id", res.CheckoutRequestID,
		"attempt", updated.Attempts)

	return &InitiateResult{
		PaymentID:         updated.ID,
		PaymentNumber:     updated.PaymentNumber,
		CheckoutRequestID: res.CheckoutRequestID,
		MerchantRequestID: res.MerchantRequestID,
		CustomerMessage:   res.CustomerMessage,
	}, nil
}

func (s *Service) markPushFailed(ctx context.Context, p *payment.Payment, cause error) {
	code := FailureCodeGatewayUnavailable
	message := cause.Error()
	reason := failureReason(code)
	_, applied, err := s.transition(ctx, payment.StatusUpdate{
		PaymentID:      p.ID,
		From:           []payment.Status{payment.StatusPending},
		To:             payment.StatusFailed,
		At:             s.now(),
		FailureCode:    &code,
		FailureMessage: &message,
		FailureReason:  &reason,
	})
	if err != nil {
		s.logger.Error("failed to record push failure", "payment_id", p.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	if err := s.orders.UpdatePaymentMirror(ctx, p.OrderID, order.PaymentMirror{Status: order.PaymentStatusFailed}); err != nil {
		s.logger.Error("failed to mirror failed payment on order", "order_id", p.OrderID, "error", err)
	}
}

// HandleCallback applies an STK callback. It never returns an error: the
// gateway is always acknowledged and problems surface through logs and
// reconciliation jobs.
func (s *Service) HandleCallback(ctx context.Context, raw []byte) CallbackAck {
	cb := s.gateway.ParseCallback(raw)
	if cb == nil {
		s.logger.Warn("HandleCallback: unparsable callback payload", "size", len(raw))
		return CallbackAck{Status: CallbackStatusError, Message: "invalid callback payload"}
	}

	log := s.logger.With("checkout_request_id", cb.CheckoutRequestID, "result_code", cb.ResultCode)
	_, err := s.apply(ctx, fromCallback(cb, "callback"))
	switch {
	case err == nil:
		return CallbackAck{Status: CallbackStatusSuccess, Message: "callback processed"}
	case stderrors.Is(err, errors.ErrPaymentNotFound):
		log.Warn("HandleCallback: no payment for checkout request")
		return CallbackAck{Status: CallbackStatusIgnored, Message: "payment not found"}
	default:
		log.Error("HandleCallback: failed to apply callback", "error", err)
		s.requireReconciliation(ctx, "", cb.CheckoutRequestID, err, raw)
		return CallbackAck{Status: CallbackStatusSuccess, Message: "callback received"}
	}
}

func (s *Service) HandleTimeoutNotice(ctx context.Context, raw []byte) CallbackAck {
	notice := s.gateway.ParseTimeout(raw)
	if notice == nil {
		s.logger.Warn("HandleTimeoutNotice: unparsable timeout payload", "size", len(raw))
		return CallbackAck{Status: CallbackStatusError, Message: "invalid timeout payload"}
	}

	_, err := s.apply(ctx, outcome{
		CheckoutRequestID: notice.CheckoutRequestID,
		Status:            payment.StatusTimeout,
		FailureCode:       FailureCodeTimeout,
		FailureMessage:    "STK push timed out",
		Raw:               notice.Raw,
		Source:            "timeout",
	})
	switch {
	case err == nil:
		return CallbackAck{Status: CallbackStatusSuccess, Message: "timeout processed"}
	case stderrors.Is(err, errors.ErrPaymentNotFound):
		s.logger.Warn("HandleTimeoutNotice: no payment for checkout request", "checkout_request_id", notice.CheckoutRequestID)
		return CallbackAck{Status: CallbackStatusIgnored, Message: "payment not found"}
	default:
		s.logger.Error("HandleTimeoutNotice: failed to apply timeout", "checkout_request_id", notice.CheckoutRequestID, "error", err)
		s.requireReconciliation(ctx, "", notice.CheckoutRequestID, err, nil)
		return CallbackAck{Status: CallbackStatusSuccess, Message: "timeout received"}
	}
}

// transition refuses updates the lifecycle table does not allow before
// handing them to the store.
func (s *Service) transition(ctx context.Context, u payment.StatusUpdate) (*payment.Payment, bool, error) {
	if err := ValidateUpdate(u); err != nil {
		return nil, false, err
	}
	return s.repo.Transition(ctx, u)
}

func (s *Service) requireReconciliation(ctx context.Context, paymentID, checkoutRequestID string, cause error, raw []byte) {
	evt := events.NewReconciliationRequiredEvent(paymentID, checkoutRequestID, cause.Error(), raw)
	if err := s.events.PublishSync(ctx, evt); err != nil {
		s.logger.Error("failed to publish reconciliation event", "checkout_request_id", checkoutRequestID, "error", err)
	}
}

// apply runs the terminal transition for o. applied is true only for the
// caller whose conditional update won.
func (s *Service) apply(ctx context.Context, o outcome) (bool, error) {
	p, err := s.repo.GetByCheckoutRequestID(ctx, o.CheckoutRequestID)
	if err != nil {
		return false, err
	}
	if o.Status == payment.StatusCompleted {
		return s.complete(ctx, p, o)
	}
	return s.fail(ctx, p, o)
}

func (s *Service) complete(ctx context.Context, p *payment.Payment, o outcome) (bool, error) {
	amount := p.Amount
	if o.Amount.Valid {
		amount = o.Amount.Decimal
	}
	raw := string(o.Raw)
	pending := true
	update := payment.StatusUpdate{
		PaymentID:          p.ID,
		From:               []payment.Status{payment.StatusProcessing},
		To:                 payment.StatusCompleted,
		At:                 s.now(),
		ActualAmount:       &amount,
		GatewayResponse:    &raw,
		SideEffectsPending: &pending,
	}
	if o.ReceiptNumber != "" {
		update.ReceiptNumber = &o.ReceiptNumber
	}
	if o.PhoneNumber != "" {
		update.PhoneNumber = &o.PhoneNumber
	}

	current, applied, err := s.transition(ctx, update)
	if err != nil {
		return false, err
	}
	if !applied {
		if IsPaid(current.Status) {
			s.logger.Info("duplicate success outcome ignored",
				"payment_id", current.ID, "status", current.Status, "source", o.Source)
			// The winner may have stopped before its side effects were queued.
			s.settleOrReconcile(ctx, current)
			return false, nil
		}
		return false, errors.ErrInvalidTransition.WithCause(
			fmt.Errorf("success outcome for %s payment %s", current.Status, current.ID))
	}

	s.logger.Info("payment completed",
		"payment_id", current.ID,
		"order_id", current.OrderID,
		"receipt_number", o.ReceiptNumber,
		"source", o.Source)
	s.settleOrReconcile(ctx, current)
	return true, nil
}

func (s *Service) settleOrReconcile(ctx context.Context, p *payment.Payment) {
	if err := s.settle(ctx, p); err != nil {
		s.requireReconciliation(ctx, p.ID, stringValue(p.CheckoutRequestID), err, nil)
	}
}

// settle mirrors a paid payment onto its order and publishes the completed
// event while the payment still carries the side-effects marker. The marker
// is cleared only once every subscriber has enqueued its jobs.
func (s *Service) settle(ctx context.Context, p *payment.Payment) error {
	ref := p.PaymentNumber
	mirror := order.PaymentMirror{
		Status:            order.PaymentStatusPaid,
		TransactionRef:    &ref,
		Receipt:           p.ReceiptNumber,
		PaidAt:            p.PaidAt,
		CheckoutRequestID: p.CheckoutRequestID,
		MerchantRequestID: p.MerchantRequestID,
	}
	note := "Payment received"
	if p.ReceiptNumber != nil {
		note = "Payment received: " + *p.ReceiptNumber
	}
	entry := order.StatusHistoryEntry{
		OrderID:   p.OrderID,
		Status:    order.StatusConfirmed,
		Note:      note,
		Actor:     systemActor,
		CreatedAt: s.now(),
	}

	ord, applied, err := s.orders.ConfirmPayment(ctx, p.OrderID, mirror, entry)
	if err != nil {
		s.logger.Error("failed to confirm order payment", "order_id", p.OrderID, "payment_id", p.ID, "error", err)
		return err
	}
	if !applied && !p.SideEffectsPending {
		return nil
	}

	evt := events.NewPaymentCompletedEvent(completedEvent(p, ord))
	if err := s.events.PublishSync(ctx, evt); err != nil {
		s.logger.Error("payment completed side effects failed", "payment_id", p.ID, "error", err)
		return err
	}
	if err := s.repo.ClearSideEffects(ctx, p.ID); err != nil {
		s.logger.Warn("failed to clear side effects marker", "payment_id", p.ID, "error", err)
	}
	return nil
}

func completedEvent(p *payment.Payment, ord *order.Order) events.PaymentCompletedEvent {
	evt := events.PaymentCompletedEvent{
		PaymentID:     p.ID,
		PaymentNumber: p.PaymentNumber,
		OrderID:       ord.ID,
		OrderNumber:   ord.OrderNumber,
		OrderStatus:   ord.Status,
		CustomerID:    ord.CustomerID,
		CustomerEmail: ord.CustomerEmail,
		CustomerPhone: ord.CustomerPhone,
		Amount:        p.ActualAmount.Decimal.StringFixed(2),
		Currency:      p.Currency,
		ReceiptNumber: stringValue(p.ReceiptNumber),
	}
	if p.PaidAt != nil {
		evt.PaidAt = *p.PaidAt
	}
	for _, item := range ord.Items {
		evt.Items = append(evt.Items, events.LineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return evt
}

func (s *Service) fail(ctx context.Context, p *payment.Payment, o outcome) (bool, error) {
	reason := failureReason(o.FailureCode)
	raw := string(o.Raw)
	update := payment.StatusUpdate{
		PaymentID:       p.ID,
		From:            []payment.Status{payment.StatusProcessing},
		To:              o.Status,
		At:              s.now(),
		FailureCode:     &o.FailureCode,
		FailureMessage:  &o.FailureMessage,
		FailureReason:   &reason,
		GatewayResponse: &raw,
	}

	current, applied, err := s.transition(ctx, update)
	if err != nil {
		return false, err
	}
	if !applied {
		s.logger.Info("stale failure outcome ignored",
			"payment_id", current.ID, "status", current.Status, "source", o.Source)
		return false, nil
	}

	s.logger.Info("payment failed",
		"payment_id", current.ID,
		"order_id", current.OrderID,
		"status", current.Status,
		"failure_code", o.FailureCode,
		"source", o.Source)
	s.afterFailure(ctx, current)
	return true, nil
}

func (s *Service) afterFailure(ctx context.Context, p *payment.Payment) {
	if err := s.orders.UpdatePaymentMirror(ctx, p.OrderID, order.PaymentMirror{Status: order.PaymentStatusFailed}); err != nil {
		s.logger.Error("failed to mirror failed payment on order", "order_id", p.OrderID, "error", err)
	}
	evt := events.NewPaymentFailedEvent(p.ID, p.OrderID, string(p.Status),
		stringValue(p.FailureCode), stringValue(p.FailureReason), p.Attempts, p.MaxAttempts)
	if err := s.events.PublishSync(ctx, evt); err != nil {
		s.logger.Error("failed to publish payment failed event", "payment_id", p.ID, "error", err)
	}
}

// CheckStatus returns the payment, first polling the gateway when the outcome
// is still unknown.
func (s *Service) CheckStatus(ctx context.Context, paymentID string, actor errors.Actor) (*PaymentView, error) {
	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, actor); err != nil {
		return nil, err
	}

	if IsActive(p.Status) && p.CheckoutRequestID != nil {
		if s.poll(ctx, p) {
			if p, err = s.repo.GetByID(ctx, paymentID); err != nil {
				return nil, err
			}
		}
	}
	return NewPaymentView(p), nil
}

// poll queries the gateway once and applies a conclusive answer. It reports
// whether the stored payment may have changed.
func (s *Service) poll(ctx context.Context, p *payment.Payment) bool {
	checkoutID := stringValue(p.CheckoutRequestID)
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	res, err := s.gateway.Query(qctx, checkoutID)
	if err != nil {
		s.logger.Warn("status query failed", "payment_id", p.ID, "checkout_request_id", checkoutID, "error", err)
		return false
	}
	if !res.Conclusive() {
		s.logger.Debug("status query inconclusive", "payment_id", p.ID, "result_code", res.ResultCode)
		return false
	}

	cb := res.AsCallback()
	cb.CheckoutRequestID = checkoutID
	if _, err := s.apply(ctx, fromCallback(cb, "query")); err != nil {
		s.logger.Warn("failed to apply status query result", "payment_id", p.ID, "error", err)
	}
	return true
}

// Retry re-pushes a failed payment while it has attempts left.
func (s *Service) Retry(ctx context.Context, paymentID string, actor errors.Actor) (*InitiateResult, error) {
	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := authorize(p, actor); err != nil {
		return nil, err
	}

	ord, err := s.orders.GetByID(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	if ord.IsPaid() {
		return nil, errors.ErrAlreadyPaid
	}
	active, err := s.repo.FindActiveByOrderID(ctx, p.OrderID)
	if err != nil && !stderrors.Is(err, errors.ErrPaymentNotFound) {
		return nil, err
	}
	if active != nil && active.ID != p.ID {
		return nil, errors.ErrActivePaymentExists
	}

	p, err = s.update(ctx, p, saveRetries, func(next *payment.Payment) error {
		return Retry(next, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment retry armed", "payment_id", p.ID, "attempt", p.Attempts, "max_attempts", p.MaxAttempts)
	return s.push(ctx, p, ord)
}

// update applies fn to a copy of p and saves it against p's version,
// re-reading and re-applying on a version conflict.
func (s *Service) update(ctx context.Context, p *payment.Payment, retries int, fn func(next *payment.Payment) error) (*payment.Payment, error) {
	for attempt := 1; ; attempt++ {
		next := clonePayment(p)
		if err := fn(next); err != nil {
			return nil, err
		}
		err := s.repo.Save(ctx, next, p.Version)
		if err == nil {
			return next, nil
		}
		if !stderrors.Is(err, errors.ErrVersionConflict) || attempt == retries {
			return nil, err
		}
		if p, err = s.repo.GetByID(ctx, p.ID); err != nil {
			return nil, err
		}
	}
}

// Refund reserves the amount as a pending refund, asks the executor to
// return the money and then records the outcome. Concurrent refunds cannot
// reserve more than the captured amount between them.
func (s *Service) Refund(ctx context.Context, paymentID string, req RefundRequest, actor errors.Actor) (*PaymentView, error) {
	if !actor.IsAdmin() {
		return nil, errors.ErrForbidden
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p, err := s.repo.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	var refund *payment.Refund
	p, err = s.update(ctx, p, saveRetries, func(next *payment.Payment) error {
		var err error
		refund, err = ReserveRefund(next, req.Amount, req.Reason, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	log := s.logger.With("payment_id", p.ID, "refund_id", refund.ID, "user_id", actor.ID)

	processor, execErr := s.refunds.Refund(ctx, p, req.Amount, req.Reason)
	if execErr != nil {
		log.Error("Refund: executor failed", "error", execErr)
	}

	refundID := refund.ID
	p, err = s.update(ctx, p, settleRetries, func(next *payment.Payment) error {
		var err error
		refund, err = SettleRefund(next, refundID, processor, execErr == nil, s.now())
		return err
	})
	if err != nil {
		log.Error("Refund: failed to record refund outcome, refund left pending", "executed", execErr == nil, "error", err)
		return nil, err
	}
	if execErr != nil {
		return nil, errors.ErrGatewayUnavailable.WithCause(execErr)
	}

	log.Info("payment refunded", "amount", refund.Amount.String(), "status", p.Status)

	ord, err := s.orders.GetByID(ctx, p.OrderID)
	if err != nil {
		log.Error("Refund: order lookup failed", "order_id", p.OrderID, "error", err)
		return NewPaymentView(p), nil
	}
	if p.Status == payment.StatusRefunded {
		if err := s.orders.UpdatePaymentMirror(ctx, ord.ID, order.PaymentMirror{Status: order.PaymentStatusRefunded}); err != nil {
			log.Error("failed to mirror refund on order", "order_id", ord.ID, "error", err)
		}
	}
	evt := events.NewPaymentRefundedEvent(p.ID, p.OrderID, ord.CustomerEmail, refund.ID,
		refund.Amount.StringFixed(2), p.Currency, string(p.Status))
	if err := s.events.PublishSync(ctx, evt); err != nil {
		log.Error("failed to publish refund event", "error", err)
	}
	return NewPaymentView(p), nil
}

// ResumeSideEffects re-publishes the completed event for paid payments whose
// jobs were not all enqueued and that nothing has touched since the cutoff.
func (s *Service) ResumeSideEffects(ctx context.Context) (int, error) {
	pending, err := s.repo.ListPendingSideEffects(ctx, s.now().Add(-sideEffectsGrace), staleBatchSize)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		if err := s.settle(ctx, p); err != nil {
			s.logger.Warn("failed to resume payment side effects", "payment_id", p.ID, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.Info("payment side effects resumed", "count", resumed)
	}
	return resumed, nil
}

// ExpireStale sweeps payments with no outcome past the pending window.
// Processing payments are polled first and only expired once they have been
// silent for twice the window.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.repo.ListStale(ctx,
		[]payment.Status{payment.StatusPending, payment.StatusProcessing},
		now.Add(-s.cfg.PendingExpiry), staleBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, p := range stale {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if p.Status == payment.StatusProcessing && p.CheckoutRequestID != nil {
			if s.poll(ctx, p) {
				continue
			}
			if p.UpdatedAt.After(now.Add(-2 * s.cfg.PendingExpiry)) {
				continue
			}
		}
		if s.expire(ctx, p) {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("stale payments expired", "count", expired)
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, p *payment.Payment) bool {
	code := FailureCodeExpired
	reason := failureReason(code)
	message := "no gateway outcome received"
	updated, applied, err := s.transition(ctx, payment.StatusUpdate{
		PaymentID:      p.ID,
		From:           []payment.Status{p.Status},
		To:             payment.StatusExpired,
		At:             s.now(),
		FailureCode:    &code,
		FailureMessage: &message,
		FailureReason:  &reason,
	})
	if err != nil {
		s.logger.Error("failed to expire payment", "payment_id", p.ID, "error", err)
		return false
	}
	if !applied {
		return false
	}
	s.afterFailure(ctx, updated)
	return true
}

// Reconcile re-applies an outcome that failed on the request path. Outcomes
// that can never apply are handed to ops and the job completes.
func (s *Service) Reconcile(ctx context.Context, job queue.ReconcilePayload) error {
	if job.PaymentID != "" {
		p, err := s.repo.GetByID(ctx, job.PaymentID)
		if err != nil && !stderrors.Is(err, errors.ErrPaymentNotFound) {
			return err
		}
		if p != nil && IsPaid(p.Status) {
			return s.settle(ctx, p)
		}
	}

	var err error
	switch cb := s.gateway.ParseCallback(job.RawCallback); {
	case cb != nil:
		_, err = s.apply(ctx, fromCallback(cb, "reconcile"))
	case job.CheckoutRequestID != "":
		err = s.reconcileByQuery(ctx, job.CheckoutRequestID)
	default:
		s.logger.Warn("Reconcile: nothing to reconcile", "payment_id", job.PaymentID)
		return nil
	}

	if err == nil {
		return nil
	}
	if stderrors.Is(err, errors.ErrInvalidTransition) || stderrors.Is(err, errors.ErrPaymentNotFound) {
		s.logger.Error("Reconcile: manual intervention required",
			"payment_id", job.PaymentID,
			"checkout_request_id", job.CheckoutRequestID,
			"error", err)
		s.alert(ctx, job, err)
		return nil
	}
	return err
}

func (s *Service) reconcileByQuery(ctx context.Context, checkoutRequestID string) error {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	res, err := s.gateway.Query(qctx, checkoutRequestID)
	if err != nil {
		return err
	}
	if !res.Conclusive() {
		return fmt.Errorf("checkout %s still processing", checkoutRequestID)
	}
	cb := res.AsCallback()
	cb.CheckoutRequestID = checkoutRequestID
	_, err = s.apply(ctx, fromCallback(cb, "reconcile"))
	return err
}

func (s *Service) alert(ctx context.Context, job queue.ReconcilePayload, cause error) {
	if s.alerts == nil || s.opsEmail == "" {
		return
	}
	_, err := s.alerts.Enqueue(ctx, queue.QueueNotification, queue.JobSendEmail, queue.NotificationPayload{
		To:       s.opsEmail,
		Template: queue.TemplateReconciliationAlert,
		Data: map[string]interface{}{
			"paymentId":         job.PaymentID,
			"checkoutRequestId": job.CheckoutRequestID,
			"reason":            job.Reason,
			"error":             cause.Error(),
		},
	})
	if err != nil {
		s.logger.Error("failed to enqueue reconciliation alert", "checkout_request_id", job.CheckoutRequestID, "error", err)
	}
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
