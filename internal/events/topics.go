package events

// Type names a domain event.
type Type string

// Domain event types dispatched by checkout, webhooks and reconciliation.
const (
	TypeCheckoutRequested     Type = "checkout.requested"
	TypePaymentSucceeded      Type = "payment.succeeded"
	TypePaymentFailed         Type = "payment.failed"
	TypeSubscriptionCancelled Type = "subscription.cancelled"
	TypeRefundCreated         Type = "refund.created"
)

// DefaultTypes returns every event type the platform dispatches.
func DefaultTypes() []Type {
	return []Type{
		TypeCheckoutRequested,
		TypePaymentSucceeded,
		TypePaymentFailed,
		TypeSubscriptionCancelled,
		TypeRefundCreated,
	}
}

// MetaRefundScope marks a refund.created event as covering the whole payment
// or only part of it. It is absent when the provider does not say.
const (
	MetaRefundScope = "refund_scope"
	RefundFull      = "full"
	RefundPartial   = "partial"
)
