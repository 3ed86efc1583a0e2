package alert

import (
	"context"
	"fmt"
	"strings"

	"sosbot/internal/transport"
	"sosbot/pkg/logx"
	"sosbot/pkg/tgui"
)

// fanout delivers the alert notice to every registered responder of the
// chat. Each responder is handled independently: one failed delivery
// never blocks or cancels the others.
type fanout struct {
	adapter transport.Adapter
	dir     Directory
	log     logx.Logger
}

// Notify DMs every responder a link to the alerting topic. A responder
// whose DM cannot be delivered (never started the bot, blocked it, or is
// unresolvable) gets an in-topic mention instead so the alert is still
// visible to them.
func (f *fanout) Notify(ctx context.Context, chatID int64, topicID int) {
	workers := f.dir.Workers(chatID, topicID)
	if len(workers) == 0 {
		return
	}

	name := f.dir.TopicName(chatID, topicID)
	chat, err := f.adapter.ChatInfo(ctx, chatID)
	if err != nil {
		chat = transport.Chat{ID: chatID}
	}
	link := topicLink(chat, chatID, topicID)
	text := fmt.Sprintf("🚨 ВНИМАНИЕ! Нужен номер в теме %s\nСсылка: %s",
		tgui.B(name), tgui.Link(link, link))

	for _, w := range workers {
		if err := f.notifyOne(ctx, chatID, w, text); err != nil {
			f.log.Warn("responder dm failed, falling back to topic",
				logx.Int64("chat_id", chatID), logx.String("worker", w), logx.Err(err))
			f.fallback(ctx, chatID, topicID, w)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *fanout) notifyOne(ctx context.Context, chatID int64, worker, text string) error {
	user, err := f.resolve(ctx, chatID, worker)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", worker, err)
	}
	return sendWithRetry(ctx, func() error {
		_, serr := f.adapter.SendText(ctx,
			transport.ChatTarget{ChatID: user.ID}, text,
			&transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return serr
	})
}

// resolve maps a responder entry (an @username or a bare numeric-less
// handle) to a platform user. Admin listings are tried first since they
// are a single call and responders are usually admins; an explicit member
// lookup covers the rest.
func (f *fanout) resolve(ctx context.Context, chatID int64, worker string) (transport.User, error) {
	uname := strings.TrimPrefix(worker, "@")
	if admins, err := f.adapter.ChatAdmins(ctx, chatID); err == nil {
		for _, a := range admins {
			if strings.EqualFold(a.Username, uname) {
				return a, nil
			}
		}
	}
	return f.adapter.MemberByUsername(ctx, chatID, uname)
}

func (f *fanout) fallback(ctx context.Context, chatID int64, topicID int, worker string) {
	text := fmt.Sprintf("🚨 ВНИМАНИЕ! %s - нужен номер!", worker)
	err := sendWithRetry(ctx, func() error {
		_, serr := f.adapter.SendText(ctx,
			transport.ChatTarget{ChatID: chatID, ThreadID: topicID}, text, nil)
		return serr
	})
	if err != nil {
		f.log.Warn("in-topic fallback failed",
			logx.Int64("chat_id", chatID), logx.Int("topic_id", topicID), logx.Err(err))
	}
}
