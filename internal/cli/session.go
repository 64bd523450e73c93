package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bhandras/chatsync/internal/api"
	"github.com/bhandras/chatsync/internal/chat"
	"github.com/bhandras/chatsync/internal/config"
	"github.com/bhandras/chatsync/internal/storage"
	"github.com/bhandras/chatsync/internal/websocket"
	"github.com/bhandras/chatsync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// connectWait bounds how long commands wait for the realtime link before
// falling back to polling.
const connectWait = 5 * time.Second

// session wires the long-lived collaborators of a reconciler.
type session struct {
	cfg      *config.Config
	store    *storage.Store
	api      *api.Client
	realtime *websocket.Manager
	metrics  *chat.Metrics
	server   *http.Server
}

// openSession opens local state and the REST client. The realtime link is
// only dialed by connect.
func openSession(opts *globalOptions) (*session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:   cfg,
		store: store,
		api:   api.NewClient(cfg.ServerURL, cfg.Token),
		realtime: websocket.NewManager(websocket.Options{
			ServerURL: cfg.ServerURL,
			Path:      cfg.SocketPath,
			Token:     cfg.Token,
		}),
	}
	s.realtime.SetTokenRefresher(s.refreshToken)

	if opts.metricsAddr != "" {
		if err := s.serveMetrics(opts.metricsAddr); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// refreshToken re-reads credentials from config and the token file, and
// hands them to the REST client as well.
func (s *session) refreshToken() (string, error) {
	token, err := readTokenFile(s.cfg.HomeDir)
	if err != nil {
		return "", err
	}
	if token == "" {
		token = s.cfg.Token
	}
	if token == "" {
		return "", errors.New("no token available")
	}
	s.api.SetToken(token)
	return token, nil
}

func (s *session) serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	metrics, err := chat.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	s.metrics = metrics

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("metrics: serving on %s/metrics", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics: server stopped: %v", err)
		}
	}()
	return nil
}

// connect dials the realtime gateway and waits briefly for it.
func (s *session) connect() {
	if err := s.realtime.Connect(); err != nil {
		logger.Warnf("realtime: %v; falling back to polling", err)
		return
	}
	if !s.realtime.WaitForConnect(connectWait) {
		logger.Warnf("realtime: not connected after %s; polling until it is", connectWait)
	}
}

// newReconciler starts a reconciler bound to ctx.
func (s *session) newReconciler(ctx context.Context, listener chat.Listener) (*chat.Reconciler, error) {
	return chat.New(ctx, chat.Options{
		API:          s.api,
		Realtime:     s.realtime,
		Store:        s.store,
		Listener:     listener,
		Metrics:      s.metrics,
		PageSize:     s.cfg.PageSize,
		PollInterval: s.cfg.PollInterval,
	})
}

// conversationID returns the explicit id, or the persisted one.
func (s *session) conversationID(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return s.store.LoadConversationID(ctx)
}

// Close releases everything the session opened.
func (s *session) Close() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	if err := s.realtime.Close(); err != nil {
		logger.Warnf("realtime: close: %v", err)
	}
	if err := s.api.Close(); err != nil {
		logger.Debugf("api: close: %v", err)
	}
	if err := s.store.Close(); err != nil {
		logger.Warnf("storage: close: %v", err)
	}
}
