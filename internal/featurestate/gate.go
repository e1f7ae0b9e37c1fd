package featurestate

import (
	"context"
	"errors"
	"strings"
)

// ProviderFeaturePrefix prefixes the record name that toggles a payment provider.
const ProviderFeaturePrefix = "payment.provider."

// ProviderGate decides whether a payment provider may be used.
type ProviderGate struct {
	Store Store
}

// Enabled reports whether provider is enabled. A missing record means enabled.
func (g ProviderGate) Enabled(ctx context.Context, provider string) (bool, error) {
	if g.Store == nil {
		return true, nil
	}
	rec, err := g.Store.Get(ctx, ProviderFeaturePrefix+strings.ToLower(strings.TrimSpace(provider)))
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status == StatusEnabled, nil
}
