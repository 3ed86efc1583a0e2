package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"sosbot/internal/transport"
	"sosbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot       *tele.Bot
	out       chan<- transport.Update
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := &transport.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			FromIsBot:    m.Sender.IsBot,
			Text:         m.Text,
		}
		if m.ReplyTo != nil {
			msg.ReplyToID = m.ReplyTo.ID
		}
		select {
		case out <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
		default:
			atomic.AddUint64(&a.droppedUpdates, 1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("stop grace elapsed; continuing shutdown")
		return nil
	}
}

// BotUsername reports the bot's own username as the platform knows it.
func (a *Adapter) BotUsername() string {
	if a.bot == nil || a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	})
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

func (a *Adapter) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, text, &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	})
	return mapError(err)
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	return mapError(a.bot.Delete(m))
}

func (a *Adapter) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	topic, err := a.bot.CreateTopic(&tele.Chat{ID: chatID}, &tele.Topic{Name: name})
	if err != nil {
		return 0, mapError(err)
	}
	return topic.ThreadID, nil
}

func (a *Adapter) RenameTopic(ctx context.Context, chatID int64, topicID int, name string) error {
	err := a.bot.EditTopic(&tele.Chat{ID: chatID}, &tele.Topic{ThreadID: topicID, Name: name})
	return mapError(err)
}

func (a *Adapter) DeleteTopic(ctx context.Context, chatID int64, topicID int) error {
	err := a.bot.DeleteTopic(&tele.Chat{ID: chatID}, &tele.Topic{ThreadID: topicID})
	return mapError(err)
}

func (a *Adapter) ChatInfo(ctx context.Context, chatID int64) (transport.Chat, error) {
	chat, err := a.bot.ChatByID(chatID)
	if err != nil {
		return transport.Chat{}, mapError(err)
	}
	return transport.Chat{
		ID:       chat.ID,
		Title:    chat.Title,
		Username: chat.Username,
		IsForum:  chat.IsForum,
	}, nil
}

func (a *Adapter) ChatAdmins(ctx context.Context, chatID int64) ([]transport.User, error) {
	members, err := a.bot.AdminsOf(&tele.Chat{ID: chatID})
	if err != nil {
		return nil, mapError(err)
	}
	users := make([]transport.User, 0, len(members))
	for _, m := range members {
		if m.User == nil {
			continue
		}
		users = append(users, transport.User{ID: m.User.ID, Username: m.User.Username})
	}
	return users, nil
}

// usernameRecipient lets getChatMember be addressed by @username the way
// the Bot API accepts it for public usernames.
type usernameRecipient string

func (r usernameRecipient) Recipient() string { return string(r) }

func (a *Adapter) MemberByUsername(ctx context.Context, chatID int64, username string) (transport.User, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return transport.User{}, errors.New("empty username")
	}
	member, err := a.bot.ChatMemberOf(&tele.Chat{ID: chatID}, usernameRecipient("@"+username))
	if err != nil {
		return transport.User{}, mapError(err)
	}
	if member == nil || member.User == nil {
		return transport.User{}, fmt.Errorf("user @%s not found", username)
	}
	return transport.User{ID: member.User.ID, Username: member.User.Username}, nil
}

// mapError translates telebot errors into the transport-level taxonomy:
// flood waits become RetryAfterError, missing-message edits/deletes become
// ErrMessageNotFound. Everything else passes through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RetryAfterError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	desc := strings.ToLower(err.Error())
	if strings.Contains(desc, "message to edit not found") ||
		strings.Contains(desc, "message to delete not found") ||
		strings.Contains(desc, "message not found") {
		return fmt.Errorf("%w: %s", transport.ErrMessageNotFound, err)
	}
	return err
}
