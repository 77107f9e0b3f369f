// Package api mounts the teavent RPC surface on a goa HTTP muxer. Handlers
// translate between the wire and the manager; all coordination stays behind
// the manager's methods.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	goa "goa.design/goa/v3/pkg"
	"golang.org/x/time/rate"

	"github.com/teave/teave/runtime/manager"
	"github.com/teave/teave/runtime/teavent"
)

// Storm protection defaults: sustained requests per second and bucket size.
const (
	DefaultRateLimit rate.Limit = 50
	DefaultBurst                = 100
)

type (
	// Manager is the slice of the runtime manager the API serves.
	Manager interface {
		List(ctx context.Context) ([]*teavent.Teavent, error)
		Get(ctx context.Context, id string) (*teavent.Teavent, error)
		Manage(ctx context.Context, t *teavent.Teavent) error
		HandleUserAction(ctx context.Context, a manager.Action) (*teavent.Teavent, error)
		Tasks() []string
	}

	// Options tunes the server.
	Options struct {
		// RateLimit caps the sustained request rate across all routes. Zero
		// applies DefaultRateLimit.
		RateLimit rate.Limit
		// Burst is the token bucket size. Zero applies DefaultBurst.
		Burst int
	}

	// Server serves the teavent HTTP API.
	Server struct {
		mgr     Manager
		limiter *rate.Limiter
	}

	// ActionRequest is the POST /teavents/{id}/actions body.
	ActionRequest struct {
		// Type is the trigger wire name, e.g. "confirm".
		Type string `json:"type"`
		// UserID identifies the acting participant.
		UserID string `json:"user_id"`
		// Force bypasses guards that restrict user-initiated flow.
		Force bool `json:"force,omitempty"`
	}
)

// New builds an API server over mgr.
func New(mgr Manager, opts Options) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("manager is required")
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	return &Server{mgr: mgr, limiter: rate.NewLimiter(limit, burst)}, nil
}

// Mount registers the teavent routes on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	s.handle(mux, "GET", "/teavents", "list", s.list)
	s.handle(mux, "GET", "/teavents/{id}", "show", s.show(mux))
	s.handle(mux, "POST", "/teavents", "manage", s.manage)
	s.handle(mux, "POST", "/teavents/{id}/actions", "user_action", s.userAction(mux))
	s.handle(mux, "GET", "/tasks", "tasks", s.tasks)
}

// handle seats the request context the way generated goa transports do and
// applies the rate limiter before dispatching.
func (s *Server) handle(mux goahttp.Muxer, method, pattern, name string, h http.HandlerFunc) {
	mux.Handle(method, pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), goahttp.AcceptTypeKey, r.Header.Get("Accept"))
		ctx = context.WithValue(ctx, goa.MethodKey, name)
		ctx = context.WithValue(ctx, goa.ServiceKey, "teavents")
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.respond(ctx, w, http.StatusTooManyRequests,
				&ServiceError{Name: KindRateLimited, Message: "too many requests"})
			return
		}
		h(w, r.WithContext(ctx))
	})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	teavents, err := s.mgr.List(ctx)
	if err != nil {
		s.respondError(ctx, w, "", err)
		return
	}
	if teavents == nil {
		teavents = []*teavent.Teavent{}
	}
	s.respond(ctx, w, http.StatusOK, teavents)
}

func (s *Server) show(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]
		t, err := s.mgr.Get(ctx, id)
		if err != nil {
			s.respondError(ctx, w, id, err)
			return
		}
		s.respond(ctx, w, http.StatusOK, t)
	}
}

func (s *Server) manage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var t teavent.Teavent
	if err := goahttp.RequestDecoder(r).Decode(&t); err != nil {
		s.respondBadRequest(ctx, w, "", fmt.Sprintf("decode body: %s", err))
		return
	}
	if t.ID == "" {
		s.respondBadRequest(ctx, w, "", "id is required")
		return
	}
	if t.Start.IsZero() || t.End.IsZero() {
		s.respondBadRequest(ctx, w, t.ID, "start and end are required")
		return
	}
	if t.State == "" {
		t.State = teavent.StateCreated
	}
	if !t.State.Valid() {
		s.respondBadRequest(ctx, w, t.ID, fmt.Sprintf("unknown state %q", t.State))
		return
	}
	if err := s.mgr.Manage(ctx, &t); err != nil {
		s.respondError(ctx, w, t.ID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) userAction(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := mux.Vars(r)["id"]
		var body ActionRequest
		if err := goahttp.RequestDecoder(r).Decode(&body); err != nil {
			s.respondBadRequest(ctx, w, id, fmt.Sprintf("decode body: %s", err))
			return
		}
		if body.Type == "" {
			s.respondBadRequest(ctx, w, id, "type is required")
			return
		}
		t, err := s.mgr.HandleUserAction(ctx, manager.Action{
			Type:      body.Type,
			UserID:    body.UserID,
			TeaventID: id,
			Force:     body.Force,
		})
		if err != nil {
			s.respondError(ctx, w, id, err)
			return
		}
		s.respond(ctx, w, http.StatusOK, t)
	}
}

func (s *Server) tasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks := s.mgr.Tasks()
	if tasks == nil {
		tasks = []string{}
	}
	s.respond(ctx, w, http.StatusOK, tasks)
}

func (s *Server) respond(ctx context.Context, w http.ResponseWriter, status int, body any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(body); err != nil {
		log.Errorf(ctx, err, "encode response")
	}
}

func (s *Server) respondError(ctx context.Context, w http.ResponseWriter, id string, err error) {
	svcErr, status := newServiceError(err, id)
	if status == http.StatusInternalServerError {
		log.Errorf(ctx, err, "internal error")
	}
	s.respond(ctx, w, status, svcErr)
}

func (s *Server) respondBadRequest(ctx context.Context, w http.ResponseWriter, id, msg string) {
	s.respond(ctx, w, http.StatusUnprocessableEntity,
		&ServiceError{Name: KindBadRequest, ID: id, Message: msg})
}
