package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"srbot/internal/core"
)

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ModerationTotal  *prometheus.CounterVec
	RefundsTotal     prometheus.Counter
	FulfilmentsTotal prometheus.Counter
	DispatchRetries  prometheus.Counter
	PendingSize      prometheus.Gauge
	DeferredSize     prometheus.Gauge
	DeadLetterSize   prometheus.Gauge
}

func NewServer(config *core.ServerConfig, logger *zap.Logger) *Server {
	metrics := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srbot_requests_total",
				Help: "Total number of song requests received",
			},
			[]string{"source"},
		),
		ModerationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "srbot_moderation_total",
				Help: "Total number of moderation outcomes",
			},
			[]string{"action"},
		),
		RefundsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srbot_refunds_total",
				Help: "Total number of redemptions refunded",
			},
		),
		FulfilmentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srbot_fulfilments_total",
				Help: "Total number of redemptions fulfilled",
			},
		),
		DispatchRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "srbot_dispatch_retries_total",
				Help: "Total number of retried queue-add dispatches",
			},
		),
		PendingSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "srbot_pending_size",
				Help: "Current number of requests awaiting moderation",
			},
		),
		DeferredSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "srbot_deferred_size",
				Help: "Current number of approved requests waiting for a playback device",
			},
		),
		DeadLetterSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "srbot_deadletter_size",
				Help: "Current number of deferred requests parked after repeated failures",
			},
		),
	}

	prometheus.MustRegister(
		metrics.RequestsTotal,
		metrics.ModerationTotal,
		metrics.RefundsTotal,
		metrics.FulfilmentsTotal,
		metrics.DispatchRetries,
		metrics.PendingSize,
		metrics.DeferredSize,
		metrics.DeadLetterSize,
	)

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"srbot"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready","service":"srbot"}`))
	})

	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		config:  config,
		logger:  logger,
		server:  server,
		metrics: metrics,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) RecordRequest(source string) {
	s.metrics.RequestsTotal.WithLabelValues(source).Inc()
}

func (s *Server) RecordModeration(action string) {
	s.metrics.ModerationTotal.WithLabelValues(action).Inc()
}

func (s *Server) RecordRefund() {
	s.metrics.RefundsTotal.Inc()
}

func (s *Server) RecordFulfilment() {
	s.metrics.FulfilmentsTotal.Inc()
}

func (s *Server) RecordDispatchRetry() {
	s.metrics.DispatchRetries.Inc()
}

func (s *Server) SetQueueSizes(pending, deferred, dead int) {
	s.metrics.PendingSize.Set(float64(pending))
	s.metrics.DeferredSize.Set(float64(deferred))
	s.metrics.DeadLetterSize.Set(float64(dead))
}
