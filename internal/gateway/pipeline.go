package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stellarlinkco/freshbot/internal/event"
	"github.com/stellarlinkco/freshbot/internal/reply"
	"github.com/stellarlinkco/freshbot/internal/vision"
)

type Stage string

const (
	StageFetch      Stage = "fetch"
	StagePreprocess Stage = "preprocess"
	StageClassify   Stage = "classify"
	StageFormat     Stage = "format"
	StageReply      Stage = "reply"
	StageFallback   Stage = "fallback"
)

// StageError marks the pipeline stage an error came from.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf reports the stage recorded in err, or "" if there is none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// Fetcher downloads message content.
type Fetcher interface {
	FetchImage(ctx context.Context, messageID string) ([]byte, error)
}

// Replier sends a reply against a single-use reply token.
type Replier interface {
	Reply(ctx context.Context, out event.OutboundReply) (*event.Result, error)
}

// Pipeline turns one inbound event into at most one reply.
type Pipeline struct {
	fetcher      Fetcher
	replier      Replier
	classifier   vision.Classifier
	labels       []string
	metrics      *Metrics
	tracer       trace.Tracer
	eventTimeout time.Duration
	replyTimeout time.Duration
}

type PipelineConfig struct {
	Fetcher      Fetcher
	Replier      Replier
	Classifier   vision.Classifier
	Labels       []string
	Metrics      *Metrics
	Tracer       trace.Tracer
	EventTimeout time.Duration
	ReplyTimeout time.Duration
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		fetcher:      cfg.Fetcher,
		replier:      cfg.Replier,
		classifier:   cfg.Classifier,
		labels:       cfg.Labels,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		eventTimeout: cfg.EventTimeout,
		replyTimeout: cfg.ReplyTimeout,
	}
	if p.metrics == nil {
		p.metrics = &Metrics{}
	}
	if p.tracer == nil {
		p.tracer = otelNoopTracer()
	}
	if p.eventTimeout <= 0 {
		p.eventTimeout = 30 * time.Second
	}
	if p.replyTimeout <= 0 {
		p.replyTimeout = 10 * time.Second
	}
	return p
}

// Handle processes one event. Non-image events yield a nil result and no
// outbound call. For images, a failure before the reply sends exactly one
// fallback message; a failed reply is returned without retrying, since the
// reply token is spent.
//
// The work runs under its own deadline detached from parent cancellation, so
// a client disconnect does not abort an in-flight classification.
func (p *Pipeline) Handle(parent context.Context, logger zerolog.Logger, ev event.Event) (res *event.Result, err error) {
	p.metrics.RecordEvent(ev.Kind())

	img, ok := ev.(event.ImageMessage)
	if !ok {
		logger.Debug().Str("kind", string(ev.Kind())).Msg("ignoring event")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.eventTimeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "event.pipeline", trace.WithAttributes(
		attribute.String("line.message_id", img.MessageID),
	))
	defer span.End()

	log := logger.With().Str("message_id", img.MessageID).Str("user_id", img.UserID).Logger()

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("event pipeline panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	msg, pred, err := p.prepare(ctx, img.MessageID)
	if err != nil {
		log.Error().Err(err).Str("stage", string(StageOf(err))).Msg("image pipeline failed, sending fallback")
		return p.fallback(ctx, log, img.ReplyToken)
	}

	log.Info().Str("label", pred.Label).Int("confidence", pred.Confidence).Msg("image classified")
	p.metrics.RecordPrediction()

	res, err = p.runReply(ctx, StageReply, img.ReplyToken, &msg)
	if err != nil {
		p.metrics.RecordReplyError()
		log.Error().Err(err).Msg("reply failed")
		return nil, err
	}
	return res, nil
}

// prepare runs everything between download and formatting. A panic in any of
// these stages is reported as that stage's error.
func (p *Pipeline) prepare(ctx context.Context, messageID string) (msg messaging_api.FlexMessage, pred vision.Prediction, err error) {
	stage := StageFetch
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	var data []byte
	err = p.runStage(ctx, stage, func(ctx context.Context) error {
		var ferr error
		data, ferr = p.fetcher.FetchImage(ctx, messageID)
		return ferr
	})
	if err != nil {
		return msg, pred, err
	}

	stage = StagePreprocess
	var tensor *vision.Tensor
	err = p.runStage(ctx, stage, func(ctx context.Context) error {
		var perr error
		tensor, perr = vision.Preprocess(data)
		return perr
	})
	if err != nil {
		return msg, pred, err
	}

	stage = StageClassify
	err = p.runStage(ctx, stage, func(ctx context.Context) error {
		var cerr error
		pred, cerr = vision.Classify(ctx, p.classifier, tensor, p.labels)
		return cerr
	})
	if err != nil {
		return msg, pred, err
	}

	stage = StageFormat
	msg = reply.Format(pred)
	return msg, pred, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "stage."+string(stage))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: stage, Err: err}
	}
	return nil
}

// fallback gets a fresh deadline so that an event which failed by running
// out of time can still be answered.
func (p *Pipeline) fallback(eventCtx context.Context, log zerolog.Logger, replyToken string) (*event.Result, error) {
	p.metrics.RecordFallback()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(eventCtx), p.replyTimeout)
	defer cancel()

	msg := reply.Fallback()
	res, err := p.runReply(ctx, StageFallback, replyToken, &msg)
	if err != nil {
		p.metrics.RecordReplyError()
		log.Error().Err(err).Msg("fallback reply failed")
		return nil, err
	}
	return res, nil
}

func (p *Pipeline) runReply(ctx context.Context, stage Stage, replyToken string, msg messaging_api.MessageInterface) (*event.Result, error) {
	var res *event.Result
	err := p.runStage(ctx, stage, func(ctx context.Context) error {
		var rerr error
		res, rerr = p.replier.Reply(ctx, event.OutboundReply{
			ReplyToken: replyToken,
			Messages:   []messaging_api.MessageInterface{msg},
		})
		return rerr
	})
	return res, err
}
