package channel

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/rs/zerolog"
	"github.com/stellarlinkco/freshbot/internal/config"
	"github.com/stellarlinkco/freshbot/internal/event"
)

const testSecret = "test-channel-secret"

type mockLineClient struct {
	content    string
	status     int
	contentErr error
	readErr    error
	fetched    []string

	replyResp *messaging_api.ReplyMessageResponse
	replyErr  error
	replies   []*messaging_api.ReplyMessageRequest
}

type errReader struct {
	data string
	err  error
	done bool
}

func (r *errReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func (m *mockLineClient) GetMessageContent(ctx context.Context, id string) (*http.Response, error) {
	m.fetched = append(m.fetched, id)
	if m.contentErr != nil {
		return nil, m.contentErr
	}
	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	var body io.ReadCloser = io.NopCloser(strings.NewReader(m.content))
	if m.readErr != nil {
		body = io.NopCloser(&errReader{data: m.content, err: m.readErr})
	}
	return &http.Response{StatusCode: status, Body: body, ContentLength: -1}, nil
}

func (m *mockLineClient) ReplyMessage(ctx context.Context, req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error) {
	m.replies = append(m.replies, req)
	return m.replyResp, m.replyErr
}

func newTestLineChannel(t *testing.T, client *mockLineClient, maxBytes int64) *LineChannel {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Line = config.LineConfig{ChannelAccessToken: "token", ChannelSecret: testSecret}
	cfg.Model.MaxImageBytes = maxBytes
	ch, err := NewLineChannelWithFactory(*cfg, zerolog.Nop(), func(config.LineConfig) (LineClient, error) {
		return client, nil
	})
	if err != nil {
		t.Fatalf("NewLineChannelWithFactory error: %v", err)
	}
	return ch
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func webhookRequest(body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Line-Signature", signature)
	return req
}

const webhookBody = `{
  "destination": "Uxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx",
  "events": [
    {
      "type": "message",
      "mode": "active",
      "timestamp": 1700000000000,
      "webhookEventId": "01H0000000000000000000000A",
      "deliveryContext": {"isRedelivery": false},
      "source": {"type": "user", "userId": "U1"},
      "replyToken": "reply-image",
      "message": {"type": "image", "id": "m1", "quoteToken": "q1", "contentProvider": {"type": "line"}}
    },
    {
      "type": "message",
      "mode": "active",
      "timestamp": 1700000000001,
      "webhookEventId": "01H0000000000000000000000B",
      "deliveryContext": {"isRedelivery": false},
      "source": {"type": "user", "userId": "U2"},
      "replyToken": "reply-text",
      "message": {"type": "text", "id": "m2", "quoteToken": "q2", "text": "hello"}
    },
    {
      "type": "unfollow",
      "mode": "active",
      "timestamp": 1700000000002,
      "webhookEventId": "01H0000000000000000000000C",
      "deliveryContext": {"isRedelivery": false},
      "source": {"type": "user", "userId": "U3"}
    }
  ]
}`

func TestNewLineChannel_MissingCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := NewLineChannel(*cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for empty secret")
	}

	cfg.Line.ChannelSecret = "s"
	if _, err := NewLineChannel(*cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for empty access token")
	}
}

func TestNewLineChannel_FactoryError(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Line = config.LineConfig{ChannelAccessToken: "t", ChannelSecret: "s"}
	_, err := NewLineChannelWithFactory(*cfg, zerolog.Nop(), func(config.LineConfig) (LineClient, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Error("expected factory error")
	}
}

func TestLineChannel_ParseWebhook(t *testing.T) {
	ch := newTestLineChannel(t, &mockLineClient{}, 0)
	if ch.Name() != "line" {
		t.Errorf("Name = %q, want line", ch.Name())
	}

	events, err := ch.ParseWebhook(webhookRequest(webhookBody, sign(testSecret, webhookBody)))
	if err != nil {
		t.Fatalf("ParseWebhook error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}

	img, ok := events[0].(event.ImageMessage)
	if !ok {
		t.Fatalf("events[0] = %T, want event.ImageMessage", events[0])
	}
	if img.MessageID != "m1" || img.ReplyToken != "reply-image" || img.UserID != "U1" {
		t.Errorf("image event = %+v", img)
	}

	txt, ok := events[1].(event.TextMessage)
	if !ok {
		t.Fatalf("events[1] = %T, want event.TextMessage", events[1])
	}
	if txt.Text != "hello" || txt.ReplyToken != "reply-text" {
		t.Errorf("text event = %+v", txt)
	}

	other, ok := events[2].(event.Other)
	if !ok {
		t.Fatalf("events[2] = %T, want event.Other", events[2])
	}
	if other.Type != "UnfollowEvent" {
		t.Errorf("other.Type = %q, want UnfollowEvent", other.Type)
	}
}

func TestLineChannel_ParseWebhook_InvalidSignature(t *testing.T) {
	ch := newTestLineChannel(t, &mockLineClient{}, 0)

	_, err := ch.ParseWebhook(webhookRequest(webhookBody, sign("wrong-secret", webhookBody)))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("err = %v, want ErrInvalidSignature", err)
	}

	_, err = ch.ParseWebhook(webhookRequest(webhookBody, ""))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("missing signature err = %v, want ErrInvalidSignature", err)
	}
}

func TestLineChannel_ParseWebhook_Empty(t *testing.T) {
	ch := newTestLineChannel(t, &mockLineClient{}, 0)
	body := `{"destination":"U0","events":[]}`

	events, err := ch.ParseWebhook(webhookRequest(body, sign(testSecret, body)))
	if err != nil {
		t.Fatalf("ParseWebhook error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}

func TestLineChannel_FetchImage(t *testing.T) {
	client := &mockLineClient{content: "jpeg-bytes"}
	ch := newTestLineChannel(t, client, 0)

	data, err := ch.FetchImage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchImage error: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("data = %q, want jpeg-bytes", data)
	}
	if len(client.fetched) != 1 || client.fetched[0] != "m1" {
		t.Errorf("fetched = %v, want [m1]", client.fetched)
	}
}

func TestLineChannel_FetchImage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		client *mockLineClient
		max    int64
		id     string
		target error
	}{
		{name: "empty id", client: &mockLineClient{}, id: " "},
		{name: "request error", client: &mockLineClient{contentErr: errors.New("dial")}, id: "m1"},
		{name: "bad status", client: &mockLineClient{status: http.StatusNotFound, content: "not found"}, id: "m1"},
		{name: "stream error", client: &mockLineClient{content: "part", readErr: errors.New("reset")}, id: "m1"},
		{name: "too large", client: &mockLineClient{content: strings.Repeat("x", 11)}, max: 10, id: "m1", target: ErrImageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newTestLineChannel(t, tt.client, tt.max)
			_, err := ch.FetchImage(context.Background(), tt.id)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("err = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestLineChannel_FetchImage_ExactLimit(t *testing.T) {
	ch := newTestLineChannel(t, &mockLineClient{content: strings.Repeat("x", 10)}, 10)
	data, err := ch.FetchImage(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchImage error: %v", err)
	}
	if len(data) != 10 {
		t.Errorf("len(data) = %d, want 10", len(data))
	}
}

func TestLineChannel_Reply(t *testing.T) {
	client := &mockLineClient{replyResp: &messaging_api.ReplyMessageResponse{
		SentMessages: []messaging_api.SentMessage{{Id: "461230966842064897", QuoteToken: "qt"}},
	}}
	ch := newTestLineChannel(t, client, 0)

	result, err := ch.Reply(context.Background(), event.OutboundReply{
		ReplyToken: "r1",
		Messages:   []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: "hi"}},
	})
	if err != nil {
		t.Fatalf("Reply error: %v", err)
	}
	if len(result.SentMessages) != 1 || result.SentMessages[0].ID != "461230966842064897" {
		t.Errorf("result = %+v", result)
	}
	if len(client.replies) != 1 || client.replies[0].ReplyToken != "r1" {
		t.Fatalf("replies = %+v", client.replies)
	}
	if len(client.replies[0].Messages) != 1 {
		t.Errorf("len(messages) = %d, want 1", len(client.replies[0].Messages))
	}
}

func TestLineChannel_Reply_Errors(t *testing.T) {
	client := &mockLineClient{replyErr: errors.New("invalid reply token")}
	ch := newTestLineChannel(t, client, 0)
	msgs := []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: "hi"}}

	if _, err := ch.Reply(context.Background(), event.OutboundReply{Messages: msgs}); err == nil {
		t.Error("expected error for empty reply token")
	}
	if _, err := ch.Reply(context.Background(), event.OutboundReply{ReplyToken: "r1"}); err == nil {
		t.Error("expected error for empty messages")
	}
	if _, err := ch.Reply(context.Background(), event.OutboundReply{ReplyToken: "r1", Messages: msgs}); err == nil {
		t.Error("expected client error")
	}
	if len(client.replies) != 1 {
		t.Errorf("client called %d times, want 1", len(client.replies))
	}
}

func TestSdkTypeName(t *testing.T) {
	if got := sdkTypeName(nil); got != "unknown" {
		t.Errorf("sdkTypeName(nil) = %q, want unknown", got)
	}
	if got := sdkTypeName(&mockLineClient{}); got != "mockLineClient" {
		t.Errorf("sdkTypeName = %q, want mockLineClient", got)
	}
}
