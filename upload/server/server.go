// Package server exposes upload sessions and direct-upload share tokens over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/furvino/go-stackutils/publish"
	"github.com/furvino/go-stackutils/stack/sharetoken"
	"github.com/furvino/go-stackutils/upload/session"
	"github.com/go-playground/validator/v10"
)

const (
	defaultSweepInterval = 15 * time.Minute
	defaultSessionTTL    = 24 * time.Hour
	maxJSONBodySize      = 1 << 20
	shutdownTimeout      = 30 * time.Second
)

// Publisher shares a committed file.
type Publisher interface {
	Publish(ctx context.Context, stackPath string) (publish.Result, error)
}

// ShareIssuer hands out and revokes direct-upload tokens.
type ShareIssuer interface {
	IssueUploadShare(ctx context.Context, targetFolder string) (sharetoken.Token, error)
	Revoke(ctx context.Context, shareID int64) error
}

// Options ...
type Options struct {
	Store *session.Store

	// Publisher is optional. Without it, complete requests asking to publish are rejected.
	Publisher Publisher

	// Shares is optional. Without it, the share-token endpoints answer 404.
	Shares      ShareIssuer
	StackAPIURL string

	SessionTTL    time.Duration
	SweepInterval time.Duration
}

// Server serves the upload-session API.
type Server struct {
	store       *session.Store
	publisher   Publisher
	shares      ShareIssuer
	stackAPIURL string

	sessionTTL    time.Duration
	sweepInterval time.Duration

	validate *validator.Validate
	logger   log.Logger
	handler  http.Handler
}

// New ...
func New(opts Options, logger log.Logger) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is not set")
	}
	if opts.Shares != nil && opts.StackAPIURL == "" {
		return nil, errors.New("STACK API URL is required to hand out share tokens")
	}

	s := &Server{
		store:         opts.Store,
		publisher:     opts.Publisher,
		shares:        opts.Shares,
		stackAPIURL:   opts.StackAPIURL,
		sessionTTL:    opts.SessionTTL,
		sweepInterval: opts.SweepInterval,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		logger:        logger,
	}
	if s.sessionTTL <= 0 {
		s.sessionTTL = defaultSessionTTL
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = defaultSweepInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /uploads/init", s.handleInit)
	mux.HandleFunc("PUT /uploads/{id}/part", s.handlePart)
	mux.HandleFunc("GET /uploads/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /uploads/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /uploads/share-token", s.handleShareToken)
	mux.HandleFunc("DELETE /uploads/share-token/{shareID}", s.handleRevokeShareToken)
	s.handler = s.logRequests(mux)

	return s, nil
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, sweeping stale sessions meanwhile.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", listener.Addr())
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Printf("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Sweep(s.sessionTTL)
			if err != nil {
				s.logger.Warnf("Session sweep failed: %s", err)
				continue
			}
			if removed > 0 {
				s.logger.Infof("Removed %d stale upload session(s)", removed)
			}
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.RequestURI(), rec.status, time.Since(start).Round(time.Millisecond))
	})
}
