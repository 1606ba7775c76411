package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/freshbot/internal/channel"
	"github.com/stellarlinkco/freshbot/internal/config"
	"github.com/stellarlinkco/freshbot/internal/cron"
	"github.com/stellarlinkco/freshbot/internal/logging"
	"github.com/stellarlinkco/freshbot/internal/vision"
)

const statsJobName = "stats-report"

// ClassifierLoader opens the classifier for numClasses labels. It is called
// once per process, in the background, while the gateway reports Loading.
type ClassifierLoader func(ctx context.Context, cfg config.ModelConfig, numClasses int) (vision.Classifier, error)

// Options for creating a Gateway
type Options struct {
	ClassifierLoader  ClassifierLoader
	LineClientFactory channel.LineClientFactory
	Logger            *zerolog.Logger
	SignalChan        chan os.Signal // for testing signal handling
	Listener          net.Listener   // for testing; nil listens on host:port
}

type Gateway struct {
	cfg             *config.Config
	logger          zerolog.Logger
	line            *channel.LineChannel
	labels          []string
	loader          ClassifierLoader
	readiness       *Readiness
	metrics         *Metrics
	cron            *cron.Service
	statsJobID      string
	tracer          trace.Tracer
	shutdownTracing func(context.Context) error
	listener        net.Listener
	signalChan      chan os.Signal

	mu         sync.Mutex
	classifier vision.Classifier
	pipeline   *Pipeline
	server     *http.Server
	closed     bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Log, os.Stderr)
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logging.Component(logger, "gateway")

	labels, err := vision.LoadLabels(cfg.Model.LabelsFile)
	if err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}

	line, err := channel.NewLineChannelWithFactory(*cfg, logger, opts.LineClientFactory)
	if err != nil {
		return nil, fmt.Errorf("create line channel: %w", err)
	}

	tp, shutdownTracing, err := NewTracerProvider(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:             cfg,
		logger:          logger,
		line:            line,
		labels:          labels,
		loader:          opts.ClassifierLoader,
		readiness:       NewReadiness(),
		metrics:         &Metrics{},
		cron:            cron.NewService(logger),
		tracer:          tp.Tracer(tracerName),
		shutdownTracing: shutdownTracing,
		listener:        opts.Listener,
		signalChan:      opts.SignalChan,
	}
	if g.loader == nil {
		g.loader = vision.LoadONNX
	}

	if cfg.Stats.Enabled {
		schedule := cfg.Stats.Schedule
		if schedule == "" {
			schedule = config.DefaultStatsSchedule
		}
		job, err := g.cron.AddJob(statsJobName, schedule, g.reportStats)
		if err != nil {
			_ = shutdownTracing(context.Background())
			return nil, fmt.Errorf("register stats job: %w", err)
		}
		g.statsJobID = job.ID
	}

	return g, nil
}

func (g *Gateway) Readiness() *Readiness { return g.readiness }

func (g *Gateway) Metrics() *Metrics { return g.metrics }

// Run loads the model, then serves the webhook until a signal arrives or
// ctx ends. The listener is only opened once the model is Ready. If loading
// fails the process stays up without a listener until it is told to stop.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	go g.loadModel(ctx)

	select {
	case <-g.readiness.Done():
	case <-sigCh:
		g.logger.Info().Msg("signal received while loading model")
		return g.Shutdown()
	case <-ctx.Done():
		return g.Shutdown()
	}

	if err := g.readiness.Err(); err != nil {
		g.logger.Error().Err(err).Msg("model failed to load, webhook listener not started")
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		_ = g.Shutdown()
		return fmt.Errorf("model load failed: %w", err)
	}

	ln, err := g.listen()
	if err != nil {
		_ = g.Shutdown()
		return err
	}

	srv := &http.Server{
		Handler:           g.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.mu.Lock()
	g.server = srv
	g.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	g.logger.Info().Str("addr", ln.Addr().String()).Str("webhook", g.webhookPath()).Msg("gateway listening")

	if g.cfg.Stats.Enabled {
		if err := g.cron.Start(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("cron start warning")
		} else if next, ok := g.cron.NextRun(g.statsJobID); ok {
			g.logger.Info().Time("next_run", next).Msg("stats report scheduled")
		}
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = g.Shutdown()
			return fmt.Errorf("serve: %w", err)
		}
	}

	g.logger.Info().Msg("shutting down...")
	return g.Shutdown()
}

func (g *Gateway) listen() (net.Listener, error) {
	if g.listener != nil {
		return g.listener, nil
	}
	addr := net.JoinHostPort(g.cfg.Gateway.Host, strconv.Itoa(g.cfg.Gateway.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

func (g *Gateway) loadModel(ctx context.Context) {
	start := time.Now()
	g.logger.Info().Str("model", modelName(g.cfg.Model.URL)).Int("labels", len(g.labels)).Msg("loading model")

	c, err := g.loader(ctx, g.cfg.Model, len(g.labels))
	if err == nil && c == nil {
		err = fmt.Errorf("classifier loader returned nil")
	}
	if err != nil {
		g.readiness.MarkFailed(err)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = c.Close()
		g.readiness.MarkFailed(fmt.Errorf("gateway closed while loading model"))
		return
	}
	g.classifier = c
	g.pipeline = NewPipeline(PipelineConfig{
		Fetcher:      g.line,
		Replier:      g.line,
		Classifier:   c,
		Labels:       g.labels,
		Metrics:      g.metrics,
		Tracer:       g.tracer,
		EventTimeout: config.Duration(g.cfg.Gateway.EventTimeout, 30*time.Second),
		ReplyTimeout: config.Duration(g.cfg.Gateway.ReplyTimeout, 10*time.Second),
	})
	g.mu.Unlock()

	g.readiness.MarkReady()
	g.logger.Info().Dur("took", time.Since(start)).Msg("model ready")
}

func (g *Gateway) currentPipeline() *Pipeline {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pipeline
}

// Router serves the webhook, /healthz and /metrics.
func (g *Gateway) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(g.webhookPath(), g.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/healthz", g.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", g.handleMetrics).Methods(http.MethodGet)
	return r
}

func (g *Gateway) webhookPath() string {
	if g.cfg.Gateway.WebhookPath == "" {
		return config.DefaultWebhookPath
	}
	return g.cfg.Gateway.WebhookPath
}

func (g *Gateway) reportStats(ctx context.Context) error {
	s := g.metrics.Snapshot()
	g.logger.Info().
		Int64("requests", s.Requests).
		Int64("events", s.Events).
		Int64("images", s.Images).
		Int64("predictions", s.Predictions).
		Int64("fallbacks", s.Fallbacks).
		Int64("reply_errors", s.ReplyErrors).
		Int64("invalid_signatures", s.InvalidSignatures).
		Int64("avg_latency_ms", s.AvgLatencyMs).
		Msg("stats")
	return nil
}

func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown()
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown() error {
	timeout := config.Duration(g.cfg.Gateway.ShutdownTimeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g.mu.Lock()
	g.closed = true
	srv := g.server
	c := g.classifier
	g.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
	}
	g.cron.Stop()
	if c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close classifier: %w", err))
		}
	}
	if err := g.shutdownTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}

	g.logger.Info().Msg("shutdown complete")
	return errors.Join(errs...)
}

// modelName keeps only the file name so credentials in a URL never reach logs.
func modelName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "model"
	}
	return path.Base(u.Path)
}
