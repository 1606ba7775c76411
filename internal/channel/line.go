package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/freshbot/internal/config"
	"github.com/stellarlinkco/freshbot/internal/event"
)

const lineChannelName = "line"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrImageTooLarge    = errors.New("image exceeds size limit")
)

// LineClient is the subset of the Messaging API the bot calls.
type LineClient interface {
	GetMessageContent(ctx context.Context, messageID string) (*http.Response, error)
	ReplyMessage(ctx context.Context, req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
}

type LineClientFactory func(cfg config.LineConfig) (LineClient, error)

type defaultLineClient struct {
	api  *messaging_api.MessagingApiAPI
	blob *messaging_api.MessagingApiBlobAPI
}

func newDefaultLineClient(cfg config.LineConfig) (LineClient, error) {
	api, err := messaging_api.NewMessagingApiAPI(cfg.ChannelAccessToken)
	if err != nil {
		return nil, fmt.Errorf("create messaging api client: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(cfg.ChannelAccessToken)
	if err != nil {
		return nil, fmt.Errorf("create blob api client: %w", err)
	}
	return &defaultLineClient{api: api, blob: blob}, nil
}

func (c *defaultLineClient) GetMessageContent(ctx context.Context, messageID string) (*http.Response, error) {
	return c.blob.WithContext(ctx).GetMessageContent(messageID)
}

func (c *defaultLineClient) ReplyMessage(ctx context.Context, req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error) {
	return c.api.WithContext(ctx).ReplyMessage(req)
}

// LineChannel verifies webhook deliveries, downloads message content and
// sends replies for one LINE channel.
type LineChannel struct {
	secret        string
	client        LineClient
	maxImageBytes int64
	logger        zerolog.Logger
}

func NewLineChannel(cfg config.Config, logger zerolog.Logger) (*LineChannel, error) {
	return NewLineChannelWithFactory(cfg, logger, nil)
}

// NewLineChannelWithFactory creates the channel with a custom client factory (for testing).
func NewLineChannelWithFactory(cfg config.Config, logger zerolog.Logger, factory LineClientFactory) (*LineChannel, error) {
	if cfg.Line.ChannelSecret == "" {
		return nil, fmt.Errorf("line channel secret is required")
	}
	if cfg.Line.ChannelAccessToken == "" {
		return nil, fmt.Errorf("line channel access token is required")
	}
	if factory == nil {
		factory = newDefaultLineClient
	}

	client, err := factory(cfg.Line)
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.Model.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxImageBytes
	}

	return &LineChannel{
		secret:        cfg.Line.ChannelSecret,
		client:        client,
		maxImageBytes: maxBytes,
		logger:        logger.With().Str("channel", lineChannelName).Logger(),
	}, nil
}

func (c *LineChannel) Name() string { return lineChannelName }

// ParseWebhook checks the X-Line-Signature header against the body and maps
// every delivered event into the event union, preserving delivery order.
func (c *LineChannel) ParseWebhook(r *http.Request) ([]event.Event, error) {
	cb, err := webhook.ParseRequest(c.secret, r)
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			return nil, ErrInvalidSignature
		}
		return nil, fmt.Errorf("parse webhook: %w", err)
	}

	events := make([]event.Event, 0, len(cb.Events))
	for _, e := range cb.Events {
		events = append(events, convertEvent(e))
	}
	return events, nil
}

func convertEvent(e webhook.EventInterface) event.Event {
	switch ev := e.(type) {
	case webhook.MessageEvent:
		return convertMessage(ev)
	case *webhook.MessageEvent:
		if ev != nil {
			return convertMessage(*ev)
		}
	}
	return event.Other{Type: sdkTypeName(e)}
}

func convertMessage(ev webhook.MessageEvent) event.Event {
	userID := sourceUserID(ev.Source)
	switch m := ev.Message.(type) {
	case webhook.ImageMessageContent:
		return event.ImageMessage{ReplyToken: ev.ReplyToken, MessageID: m.Id, UserID: userID}
	case *webhook.ImageMessageContent:
		return event.ImageMessage{ReplyToken: ev.ReplyToken, MessageID: m.Id, UserID: userID}
	case webhook.TextMessageContent:
		return event.TextMessage{ReplyToken: ev.ReplyToken, Text: m.Text, UserID: userID}
	case *webhook.TextMessageContent:
		return event.TextMessage{ReplyToken: ev.ReplyToken, Text: m.Text, UserID: userID}
	}
	return event.Other{Type: "message." + sdkTypeName(ev.Message)}
}

func sourceUserID(src webhook.SourceInterface) string {
	switch s := src.(type) {
	case webhook.UserSource:
		return s.UserId
	case *webhook.UserSource:
		return s.UserId
	case webhook.GroupSource:
		return s.UserId
	case *webhook.GroupSource:
		return s.UserId
	case webhook.RoomSource:
		return s.UserId
	case *webhook.RoomSource:
		return s.UserId
	}
	return ""
}

// sdkTypeName turns webhook.UnfollowEvent into "UnfollowEvent".
func sdkTypeName(v any) string {
	if v == nil {
		return "unknown"
	}
	name := fmt.Sprintf("%T", v)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// FetchImage downloads the binary content of an image message. The body is
// read to the end in arrival order; any stream error aborts the download.
func (c *LineChannel) FetchImage(ctx context.Context, messageID string) ([]byte, error) {
	if strings.TrimSpace(messageID) == "" {
		return nil, fmt.Errorf("message id is required")
	}

	resp, err := c.client.GetMessageContent(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("get message content: %w", err)
	}
	if resp == nil || resp.Body == nil {
		return nil, fmt.Errorf("get message content: empty response")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("get message content: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if resp.ContentLength > c.maxImageBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, resp.ContentLength)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read message content: %w", err)
	}
	if int64(len(data)) > c.maxImageBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, c.maxImageBytes)
	}
	return data, nil
}

// Reply sends the messages against a reply token and reports what LINE accepted.
func (c *LineChannel) Reply(ctx context.Context, out event.OutboundReply) (*event.Result, error) {
	if out.ReplyToken == "" {
		return nil, fmt.Errorf("reply token is required")
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("reply has no messages")
	}

	resp, err := c.client.ReplyMessage(ctx, &messaging_api.ReplyMessageRequest{
		ReplyToken: out.ReplyToken,
		Messages:   out.Messages,
	})
	if err != nil {
		return nil, fmt.Errorf("reply message: %w", err)
	}

	result := &event.Result{SentMessages: []event.SentMessage{}}
	if resp != nil {
		for _, m := range resp.SentMessages {
			result.SentMessages = append(result.SentMessages, event.SentMessage{ID: m.Id, QuoteToken: m.QuoteToken})
		}
	}
	return result, nil
}
