package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-billing/internal/common"
	"github.com/noah-isme/backend-billing/internal/obs"
)

// HTTPRecorder records HTTP requests after they have been handled.
type HTTPRecorder struct {
	Store   Store
	OnError func(error)
	Now     func() time.Time
}

// HTTPConfig customises how the audit entry is produced for a route.
type HTTPConfig struct {
	Action          string
	ResourceType    string
	ResourceIDParam string
}

// Middleware records an entry once the wrapped handler has written its
// response. Recording failures never change the response.
func (r HTTPRecorder) Middleware(cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.Store == nil {
				next.ServeHTTP(w, req)
				return
			}
			rec := obs.NewStatusRecorder(w)
			next.ServeHTTP(rec, req)

			actor, _ := common.UserID(req.Context())
			if actor == "" {
				actor = "anonymous"
			}
			entry := Entry{
				ID:           uuid.New(),
				ActorID:      actor,
				Action:       normaliseAction(cfg.Action),
				ResourceType: cfg.ResourceType,
				Status:       rec.Status(),
				IP:           common.ClientIP(req),
				RequestID:    middleware.GetReqID(req.Context()),
				CreatedAt:    r.now(),
			}
			if cfg.ResourceIDParam != "" {
				entry.ResourceID = chi.URLParam(req, cfg.ResourceIDParam)
			}
			if err := r.Store.Insert(context.WithoutCancel(req.Context()), entry); err != nil && r.OnError != nil {
				r.OnError(err)
			}
		})
	}
}

func (r HTTPRecorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
