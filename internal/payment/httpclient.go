package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxProviderResponse = 1 << 20

// NewHTTPClient returns an HTTP client traced with otelhttp. Deadlines come
// from the per-attempt context rather than a client timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

type jsonCall struct {
	provider       string
	op             Kind
	method         string
	url            string
	basicUser      string
	idemHeader     string
	idempotencyKey string
	body           any
}

// doJSON performs a JSON request and classifies the failure modes. The raw
// response body is returned for auditing.
func doJSON(ctx context.Context, client *http.Client, call jsonCall, out any) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reader io.Reader
	if call.body != nil {
		payload, err := json.Marshal(call.body)
		if err != nil {
			return nil, &PermanentError{Provider: call.provider, Op: call.op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, call.method, call.url, reader)
	if err != nil {
		return nil, &PermanentError{Provider: call.provider, Op: call.op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.basicUser != "" {
		req.SetBasicAuth(call.basicUser, "")
	}
	if call.idemHeader != "" && call.idempotencyKey != "" {
		req.Header.Set(call.idemHeader, call.idempotencyKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(call.provider, call.op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return nil, classifyTransport(call.provider, call.op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return raw, ClassifyHTTPStatus(call.provider, call.op, resp.StatusCode, errors.New(snippet(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, &UnknownError{Provider: call.provider, Op: call.op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return raw, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	if s == "" {
		return "empty response"
	}
	return s
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
