package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"nodewatch/internal/alert"
	"nodewatch/internal/clock"
	"nodewatch/internal/config"
	"nodewatch/internal/ingest"
	"nodewatch/internal/logging"
	"nodewatch/internal/notify"
	"nodewatch/internal/report"
	"nodewatch/internal/runner"
	"nodewatch/internal/scheduler"
	"nodewatch/internal/store"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable monitoring service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	gateway   store.Gateway
	sched     *scheduler.Scheduler
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	gateway, err := buildGateway(cfg, clk)
	if err != nil {
		closeLog()
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		gateway:  gateway,
		clock:    clk,
	}

	dispatcher := service.buildAlertDispatcher()
	escalator := alert.NewEscalator(gateway, dispatcher, clk, logger)
	weekly := report.NewWeekly(gateway, buildMailer(cfg), clk, logger)

	service.sched = scheduler.New(scheduler.Config{
		ReconcileInterval:  time.Duration(cfg.Service.ReconcileIntervalSec) * time.Second,
		CleanupInterval:    time.Hour,
		RetentionDays:      cfg.Retention.Days,
		ReportPollInterval: time.Minute,
		ReportWeekday:      time.Weekday(cfg.Report.Weekday),
		ReportHour:         cfg.Report.Hour,
	}, gateway, runner.Deps{
		Gateway:    gateway,
		Dispatcher: dispatcher,
		Escalator:  escalator,
		Clock:      clk,
		Logger:     logger,
	}, weekly)

	service.buildHTTPServer(dispatcher)
	if err := service.buildNATSSubscriber(dispatcher); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := s.sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler stopped", "error", err.Error())
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		cancel()
		<-schedDone
		return s.shutdown()
	case err := <-errChan:
		cancel()
		<-schedDone
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		s.logger.Info("shutdown signal received")
		cancel()
		<-schedDone
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if err := s.gateway.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.gateway != nil {
		_ = s.gateway.Close()
		s.gateway = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildAlertDispatcher wires the notification transports into the alert layer.
// Params: none.
// Returns: alert dispatcher backed by configured email/webhook senders.
func (s *Service) buildAlertDispatcher() *alert.Dispatcher {
	webhooks := notify.NewWebhookClient(time.Duration(s.cfg.Notify.WebhookTimeoutSec)*time.Second, s.logger)
	sender := notify.NewDispatcher(buildMailer(s.cfg), webhooks, notify.RetryPolicy{
		Enabled:        s.cfg.Notify.Retry.Enabled,
		MaxAttempts:    s.cfg.Notify.Retry.MaxAttempts,
		InitialMS:      s.cfg.Notify.Retry.InitialMS,
		MaxMS:          s.cfg.Notify.Retry.MaxMS,
		Backoff:        s.cfg.Notify.Retry.Backoff,
		LogEachAttempt: s.cfg.Notify.Retry.LogEachAttempt,
	}, s.logger)
	return alert.NewDispatcher(s.gateway, sender, s.clock, s.logger)
}

// buildHTTPServer wires router with ingest and health endpoints.
// Params: alert dispatcher acting as the sample sink.
// Returns: none.
func (s *Service) buildHTTPServer(sink ingest.SampleSink) {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if s.cfg.Ingest.HTTP.Enabled {
		handler := ingest.NewHTTPHandler(sink, s.cfg.Ingest.HTTP.MaxBodyBytes)
		mux.Handle(s.cfg.Ingest.HTTP.IngestPath, handler)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS sample ingest when enabled.
// Params: alert dispatcher acting as the sample sink.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber(sink ingest.SampleSink) error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, sink, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildMailer creates the email transport when SMTP is enabled.
// Params: root config snapshot.
// Returns: SMTP mailer or nil when the email path is off.
func buildMailer(cfg config.Config) notify.Mailer {
	if !cfg.SMTP.Enabled {
		return nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
}

// buildGateway creates the persistence backend from config.
// Params: root config snapshot and clock.
// Returns: selected gateway backend.
func buildGateway(cfg config.Config, clk clock.Clock) (store.Gateway, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory:
		return store.NewMemoryStore(clk.Now), nil
	case config.StoreBackendSQLite:
		return store.OpenSQLite(cfg.Store.Path, clk.Now)
	case config.StoreBackendMySQL:
		return store.OpenMySQL(cfg.Store.DSN, clk.Now)
	default:
		return nil, fmt.Errorf("store.backend %q is not supported", cfg.Store.Backend)
	}
}
