// Package event defines the inbound events and reply payloads that flow
// between the LINE channel and the gateway pipeline.
package event

import "github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// Event is one inbound occurrence from the chat platform. The concrete types
// are ImageMessage, TextMessage and Other.
type Event interface {
	Kind() Kind
}

// ImageMessage is a user-sent image. MessageID keys the content download and
// ReplyToken allows exactly one reply.
type ImageMessage struct {
	ReplyToken string
	MessageID  string
	UserID     string
}

func (ImageMessage) Kind() Kind { return KindImage }

type TextMessage struct {
	ReplyToken string
	Text       string
	UserID     string
}

func (TextMessage) Kind() Kind { return KindText }

// Other covers every event the bot does not act on (follows, stickers, postbacks...).
type Other struct {
	Type string
}

func (Other) Kind() Kind { return KindOther }

// OutboundReply is a single reply dispatch. A reply token accepts at most
// five messages and may be used once.
type OutboundReply struct {
	ReplyToken string
	Messages   []messaging_api.MessageInterface
}

// SentMessage identifies one message the platform accepted.
type SentMessage struct {
	ID         string `json:"id"`
	QuoteToken string `json:"quoteToken,omitempty"`
}

// Result is the per-event outcome returned in the webhook response body.
// A nil *Result encodes as JSON null.
type Result struct {
	SentMessages []SentMessage `json:"sentMessages"`
}
