package alert

import (
	"context"
	"strconv"
	"strings"
	"time"

	"sosbot/internal/transport"
)

// sendWithRetry runs one outbound call, honoring a single rate-limit
// retry: on a RetryAfterError it sleeps the indicated delay and re-issues
// the call exactly once. A second failure is returned as-is.
func sendWithRetry(ctx context.Context, fn func() error) error {
	err := fn()
	ra, ok := transport.AsRetryAfter(err)
	if !ok {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(ra.RetryAfter):
	}
	return fn()
}

// topicLink builds a deep link into a forum topic. Public chats link via
// the chat username; private supergroups use the /c/ form with the -100
// prefix stripped from the chat id.
func topicLink(chat transport.Chat, chatID int64, topicID int) string {
	if chat.Username != "" {
		return "https://t.me/" + chat.Username + "/" + strconv.Itoa(topicID)
	}
	id := strconv.FormatInt(chatID, 10)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	return "https://t.me/c/" + id + "/" + strconv.Itoa(topicID)
}
