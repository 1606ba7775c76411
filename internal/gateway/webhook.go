package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/freshbot/internal/channel"
	"github.com/stellarlinkco/freshbot/internal/event"
)

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { g.metrics.RecordRequest(time.Since(start)) }()

	requestID := uuid.NewString()
	logger := g.logger.With().Str("request_id", requestID).Logger()

	ctx, span := g.tracer.Start(r.Context(), "webhook.request", trace.WithAttributes(
		attribute.String("request_id", requestID),
	))
	defer span.End()

	pipeline := g.currentPipeline()
	if pipeline == nil || g.readiness.State() != StateReady {
		http.Error(w, ErrNotReady.Error(), http.StatusServiceUnavailable)
		return
	}

	events, err := g.line.ParseWebhook(r)
	if err != nil {
		if errors.Is(err, channel.ErrInvalidSignature) {
			g.metrics.RecordInvalidSignature()
			logger.Warn().Str("remote", r.RemoteAddr).Msg("rejected webhook with invalid signature")
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		logger.Warn().Err(err).Msg("malformed webhook body")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int("webhook.events", len(events)))
	logger.Debug().Int("events", len(events)).Msg("webhook received")

	results, err := dispatch(ctx, logger, pipeline, events)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("webhook handling failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(results); err != nil {
		logger.Warn().Err(err).Msg("write webhook response")
	}
}

// dispatch handles every event concurrently and waits for all of them. The
// result slice is index-aligned with events; errors from all events are joined.
func dispatch(ctx context.Context, logger zerolog.Logger, p *Pipeline, events []event.Event) ([]*event.Result, error) {
	results := make([]*event.Result, len(events))
	errs := make([]error, len(events))

	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Handle(ctx, logger, ev)
		}()
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

type healthResponse struct {
	Status string      `json:"status"`
	Model  string      `json:"model,omitempty"`
	Labels int         `json:"labels"`
	Error  string      `json:"error,omitempty"`
	Jobs   []jobStatus `json:"jobs,omitempty"`
}

type jobStatus struct {
	Name       string     `json:"name"`
	Expr       string     `json:"expr"`
	Runs       int        `json:"runs"`
	LastStatus string     `json:"lastStatus,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	NextRun    *time.Time `json:"nextRun,omitempty"`
}

func (g *Gateway) jobStatuses() []jobStatus {
	jobs := g.cron.ListJobs()
	if len(jobs) == 0 {
		return nil
	}
	out := make([]jobStatus, 0, len(jobs))
	for _, j := range jobs {
		st := jobStatus{
			Name:       j.Name,
			Expr:       j.Expr,
			Runs:       j.State.Runs,
			LastStatus: j.State.LastStatus,
			LastError:  j.State.LastError,
		}
		if next, ok := g.cron.NextRun(j.ID); ok && !next.IsZero() {
			st.NextRun = &next
		}
		out = append(out, st)
	}
	return out
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := g.readiness.State()
	resp := healthResponse{
		Status: state.String(),
		Model:  modelName(g.cfg.Model.URL),
		Labels: len(g.labels),
		Jobs:   g.jobStatuses(),
	}
	code := http.StatusOK
	if state != StateReady {
		code = http.StatusServiceUnavailable
		if err := g.readiness.Err(); err != nil {
			resp.Error = err.Error()
		}
	}
	writeJSON(w, code, resp)
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
