// Package main is the entry point for the messaging sync gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/api"
	"github.com/wedlink/msgsync/internal/attachment"
	"github.com/wedlink/msgsync/internal/backoff"
	"github.com/wedlink/msgsync/internal/config"
	"github.com/wedlink/msgsync/internal/connection"
	"github.com/wedlink/msgsync/internal/delivery"
	"github.com/wedlink/msgsync/internal/handler"
	natsclient "github.com/wedlink/msgsync/internal/nats"
	"github.com/wedlink/msgsync/internal/notify"
	"github.com/wedlink/msgsync/internal/session"
	"github.com/wedlink/msgsync/pkg/logger"
	"github.com/wedlink/msgsync/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting sync gateway")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "msgsync", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	natsCfg := natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
		Timeout:  cfg.ConnectAttemptTimeout,
	}

	// The gateway's own connection provisions the stream and backs /ready.
	natsClient, err := natsclient.Connect(ctx, natsCfg, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsClient.Close()

	streamManager := natsclient.NewStreamManager(natsClient)
	if err := streamManager.EnsureStream(ctx); err != nil {
		log.Fatal("failed to ensure stream", zap.Error(err))
	}

	policy := backoff.Policy{Base: cfg.BackoffBase, Max: cfg.BackoffMax}

	apiClient, err := api.NewClient(api.Config{
		BaseURL: cfg.APIBaseURL,
		HTTPClient: &http.Client{
			Timeout:   cfg.APITimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		GetRetries: cfg.APIGetRetries,
		Backoff:    policy,
		Logger:     log,
	})
	if err != nil {
		log.Fatal("invalid API configuration", zap.Error(err))
	}

	validator := attachment.Limits{MaxSize: cfg.MaxAttachmentSize, MimePrefixes: cfg.AttachmentPrefixes}
	notifier := notify.NewLogNotifier(log)

	sessions := session.NewManager(func(id session.Identity) (session.Options, error) {
		return session.Options{
			Channel:   natsclient.NewChannel(natsCfg, id.UserID, log),
			API:       apiClient.WithToken(id.Token),
			Logger:    log,
			Notifier:  notifier,
			Validator: validator,
			Connection: connection.Config{
				MaxAttempts:    cfg.MaxReconnectAttempts,
				AttemptTimeout: cfg.ConnectAttemptTimeout,
				Backoff:        policy,
			},
			Delivery: delivery.Config{
				MaxRetries:  cfg.MaxSendRetries,
				SendTimeout: cfg.SendTimeout,
				Backoff:     policy,
			},
			TypingIdle:         cfg.TypingIdle,
			RemoteTypingExpiry: cfg.RemoteTypingExpiry,
			ReconcileWindow:    cfg.ReconcileWindow,
		}, nil
	}, log)
	defer sessions.CloseAll()

	router := handler.NewRouter(handler.RouterConfig{
		Sessions:          sessions,
		Broker:            natsClient,
		Streams:           streamManager,
		Logger:            log,
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Heartbeat:         cfg.HeartbeatInterval,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Ending the sessions closes their event streams so Shutdown does not
	// wait on them.
	sessions.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
