package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-billing/internal/events"
	"github.com/noah-isme/backend-billing/internal/obs"
)

// Outcome is the result of processing one webhook.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

// Dispatcher delivers normalised events to domain handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.Event) (events.Outcome, error)
}

// Service runs the verify, parse and dispatch pipeline.
type Service struct {
	Registry *Registry
	Events   Dispatcher
	Logger   zerolog.Logger
}

// Process handles a raw webhook body for provider. The signature is checked
// before the body is parsed.
func (s *Service) Process(ctx context.Context, provider string, body []byte, signatureHeader string) (Outcome, error) {
	normalizer, secret, ok := s.Registry.Lookup(provider)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	name := normalizer.Provider()
	logger := obs.LoggerFrom(ctx, s.Logger).With().Str("provider", name).Logger()

	if !normalizer.VerifySignature(body, signatureHeader, secret) {
		obs.Inc(obs.PaymentWebhookTotal, name, "invalid_signature")
		logger.Warn().Msg("webhook_signature_invalid")
		return "", &InvalidSignatureError{Provider: name}
	}

	evt, err := normalizer.Parse(body)
	if err != nil {
		obs.Inc(obs.PaymentWebhookTotal, name, string(OutcomeIgnored))
		logger.Warn().Err(err).Msg("webhook_payload_malformed")
		return OutcomeIgnored, nil
	}
	logger = logger.With().Str("event_id", evt.EventID).Str("provider_type", evt.ProviderType).Logger()

	domain, ok := evt.DomainEvent()
	if !ok {
		obs.Inc(obs.PaymentWebhookTotal, name, string(OutcomeIgnored))
		logger.Info().Msg("webhook_event_ignored")
		return OutcomeIgnored, nil
	}

	if _, err := s.Events.Dispatch(ctx, domain); err != nil {
		if errors.Is(err, events.ErrDuplicateEvent) {
			obs.Inc(obs.PaymentWebhookTotal, name, string(OutcomeDuplicate))
			logger.Info().Msg("webhook_event_duplicate")
			return OutcomeDuplicate, nil
		}
		obs.Inc(obs.PaymentWebhookTotal, name, "error")
		logger.Error().Err(err).Msg("webhook_dispatch_failed")
		return "", err
	}
	obs.Inc(obs.PaymentWebhookTotal, name, string(OutcomeProcessed))
	logger.Info().Str("kind", string(evt.Kind)).Str("reference_id", evt.ReferenceID).Msg("webhook_event_processed")
	return OutcomeProcessed, nil
}
