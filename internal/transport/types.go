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

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
	Mentions     []Mention
}

// Mention is a user reference extracted from message entities.
// UserID is 0 for plain @username mentions that the platform did not resolve.
type Mention struct {
	UserID   int64
	Username string
}

type Callback struct {
	ID        string
	ChatID    int64
	ThreadID  int
	MessageID int
	FromID    int64
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode          string
	DisablePreview     bool
	ReplyMarkupAdapter any // adapter-specific markup (Telegram: *telebot.ReplyMarkup)
}

type User struct {
	ID          int64
	Username    string
	DisplayName string
}

type Channel struct {
	ID    int64
	Title string
}

// Sender delivers rendered text to a chat. Errors are classified through
// IsTransient/IsPermanent in this package.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Directory resolves platform identities. Implementations return ErrNotFound
// for identities that no longer exist and transient errors for network
// failures.
type Directory interface {
	ResolveUser(ctx context.Context, id int64) (User, error)
	ResolveChannel(ctx context.Context, id int64) (Channel, error)
}

// Adapter is the full platform surface: update intake plus delivery and
// identity resolution.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	Sender
	Directory

	AnswerCallback(ctx context.Context, callbackID string, text string) error
}
