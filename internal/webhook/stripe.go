package webhook

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/money"
)

var stripeKinds = map[stripe.EventType]Kind{
	"payment_intent.succeeded":      KindPaymentSucceeded,
	"payment_intent.payment_failed": KindPaymentFailed,
	"payment_intent.canceled":       KindPaymentFailed,
	"customer.subscription.deleted": KindSubscriptionCancelled,
	"refund.created":                KindRefundCreated,
	"charge.refunded":               KindRefundCreated,
}

// StripeNormalizer handles Stripe event notifications.
type StripeNormalizer struct{}

func (StripeNormalizer) Provider() string        { return "stripe" }
func (StripeNormalizer) SignatureHeader() string { return "Stripe-Signature" }

// VerifySignature checks the t=,v1= header using the default five minute tolerance.
func (StripeNormalizer) VerifySignature(rawBody []byte, signatureHeader, secret string) bool {
	if secret == "" || signatureHeader == "" {
		return false
	}
	return webhook.ValidatePayload(rawBody, signatureHeader, secret) == nil
}

func (StripeNormalizer) Parse(rawBody []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return Event{}, malformed("stripe", "decode event: %v", err)
	}
	if evt.ID == "" || evt.Type == "" {
		return Event{}, malformed("stripe", "event id and type are required")
	}

	out := Event{
		Provider:     "stripe",
		EventID:      evt.ID,
		Kind:         KindUnknown,
		ProviderType: string(evt.Type),
		Raw:          json.RawMessage(append([]byte(nil), rawBody...)),
		OccurredAt:   time.Unix(evt.Created, 0).UTC(),
	}
	kind, ok := stripeKinds[evt.Type]
	if !ok || evt.Data == nil {
		return out, nil
	}
	out.Kind = kind

	var err error
	switch evt.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err = json.Unmarshal(evt.Data.Raw, &pi); err == nil {
			out.ReferenceID = pi.ID
			out.Currency = money.NormaliseCurrency(string(pi.Currency))
			amount := pi.AmountReceived
			if amount == 0 {
				amount = pi.Amount
			}
			out.Amount = money.FromMinor(amount, out.Currency)
			out.Metadata = pi.Metadata
		}
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err = json.Unmarshal(evt.Data.Raw, &sub); err == nil {
			out.ReferenceID = sub.ID
			out.Currency = money.NormaliseCurrency(string(sub.Currency))
			out.Amount = decimal.Zero
			out.Metadata = sub.Metadata
		}
	case "refund.created":
		var refund stripe.Refund
		if err = json.Unmarshal(evt.Data.Raw, &refund); err == nil {
			out.ReferenceID = refund.ID
			if refund.PaymentIntent != nil && refund.PaymentIntent.ID != "" {
				out.ReferenceID = refund.PaymentIntent.ID
			}
			out.Currency = money.NormaliseCurrency(string(refund.Currency))
			out.Amount = money.FromMinor(refund.Amount, out.Currency)
			out.Metadata = refund.Metadata
		}
	case "charge.refunded":
		var charge stripe.Charge
		if err = json.Unmarshal(evt.Data.Raw, &charge); err == nil {
			out.ReferenceID = charge.ID
			if charge.PaymentIntent != nil && charge.PaymentIntent.ID != "" {
				out.ReferenceID = charge.PaymentIntent.ID
			}
			out.Currency = money.NormaliseCurrency(string(charge.Currency))
			out.Amount = money.FromMinor(charge.AmountRefunded, out.Currency)
			scope := events.RefundPartial
			if charge.Refunded {
				scope = events.RefundFull
			}
			out.Metadata = withMeta(charge.Metadata, events.MetaRefundScope, scope)
		}
	}
	if err != nil {
		return Event{}, malformed("stripe", "decode %s object: %v", evt.Type, err)
	}
	return out, nil
}
