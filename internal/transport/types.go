package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Mention is a user referenced inside a message.
// ID is 0 when the platform only gave us a public @username;
// the adapter can resolve it on demand.
type Mention struct {
	ID       int64
	Username string
	Name     string
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Mentions     []Mention
	IsPrivate    bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

// BotCommand is an entry for the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error

	// ResolveUser maps a public @username (without the "@") to a user ID.
	ResolveUser(ctx context.Context, username string) (int64, error)
}
