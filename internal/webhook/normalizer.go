package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Normalizer verifies and parses one provider's webhooks.
type Normalizer interface {
	Provider() string
	SignatureHeader() string
	VerifySignature(rawBody []byte, signatureHeader, secret string) bool
	Parse(rawBody []byte) (Event, error)
}

// Registry maps provider names to normalisers and their signing secrets.
type Registry struct {
	normalizers map[string]Normalizer
	secrets     map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{normalizers: make(map[string]Normalizer), secrets: make(map[string]string)}
}

// Register adds n with its signing secret. Later registrations replace earlier ones.
func (r *Registry) Register(n Normalizer, secret string) {
	name := strings.ToLower(n.Provider())
	r.normalizers[name] = n
	r.secrets[name] = secret
}

// Lookup returns the normaliser and secret for provider.
func (r *Registry) Lookup(provider string) (Normalizer, string, bool) {
	name := strings.ToLower(strings.TrimSpace(provider))
	n, ok := r.normalizers[name]
	return n, r.secrets[name], ok
}

// Providers returns the registered provider names in sorted order.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.normalizers))
	for name := range r.normalizers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func hmacSHA256Hex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected, provided string) bool {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if expected == "" || provided == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(provided))
}
