package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromIsBot    bool
	Text         string
	ReplyToID    int
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
	ParseMode      string
	DisablePreview bool
}

type User struct {
	ID       int64
	Username string
}

type Chat struct {
	ID       int64
	Title    string
	Username string
	IsForum  bool
}

// ErrMessageNotFound reports that the message a call targeted no longer
// exists on the platform (deleted externally, or never existed).
var ErrMessageNotFound = errors.New("message not found")

// RetryAfterError is the platform's rate-limit signal. It is not a hard
// failure: callers are expected to sleep RetryAfter and re-issue the call
// once before treating a second failure as transient.
type RetryAfterError struct {
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AsRetryAfter extracts a rate-limit signal from err, if present.
func AsRetryAfter(err error) (*RetryAfterError, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra, true
	}
	return nil, false
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	DeleteMessage(ctx context.Context, ref MessageRef) error

	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
	RenameTopic(ctx context.Context, chatID int64, topicID int, name string) error
	DeleteTopic(ctx context.Context, chatID int64, topicID int) error

	ChatInfo(ctx context.Context, chatID int64) (Chat, error)
	ChatAdmins(ctx context.Context, chatID int64) ([]User, error)
	MemberByUsername(ctx context.Context, chatID int64, username string) (User, error)
}
