package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"storybridge/internal/domain"
	"storybridge/internal/webhook"
)

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 10 * time.Second
	// eventTimeout bounds the background processing of one webhook event.
	eventTimeout = 5 * time.Minute
)

type ChangeHandler interface {
	HandleChange(ctx context.Context, event domain.ChangeEvent)
}

type Config struct {
	Port            int
	Board           string
	SignatureHeader string
}

// Server is the webhook front door. Verified events are acknowledged
// immediately and processed in the background.
type Server struct {
	cfg      Config
	verifier *webhook.Verifier
	handler  ChangeHandler
	http     *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *slog.Logger
}

func New(cfg Config, verifier *webhook.Verifier, handler ChangeHandler, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}

	s.http = &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// WebhookPath returns the path the project board posts to.
func (s *Server) WebhookPath() string {
	return fmt.Sprintf("/webhook/%s/", s.cfg.Board)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST "+s.WebhookPath(), s.handleWebhook)

	return mux
}

// ListenAndServe blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	s.log.Info("Server is listening",
		"addr", s.http.Addr,
		"webhookPath", s.WebhookPath())

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting requests, then waits for background event
// processing until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		return errors.Join(err, ctx.Err())
	}

	s.cancel()

	return err
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.log.WarnContext(ctx, "Failed to read webhook body",
			"error", err)
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	if !s.verifier.Verify(r.Header.Get(s.cfg.SignatureHeader), body) {
		s.log.WarnContext(ctx, "Unverified webhook is rejected",
			"error", domain.ErrVerification,
			"remoteAddr", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	event, err := webhook.ParseEvent(body)
	if err != nil {
		s.log.WarnContext(ctx, "Failed to parse webhook event",
			"error", err)
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	s.log.InfoContext(ctx, "Webhook event is accepted",
		"projectID", event.PrimaryID,
		"actionCount", len(event.Actions))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		eventCtx, cancel := context.WithTimeout(s.ctx, eventTimeout)
		defer cancel()

		s.handler.HandleChange(eventCtx, event)
	}()

	w.WriteHeader(http.StatusOK)
}
