package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"sosbot/internal/transport"
	"sosbot/pkg/logx"
	"sosbot/pkg/tgui"
)

const (
	dashboardHeader      = "Темы в которых нужен номер:"
	dashboardPlaceholder = "(пока нет активных тем)"
)

// board is the identity of the one summary message a chat owns: the
// dedicated dashboard topic and the message edited in place on render.
type board struct {
	topicID   int
	messageID int
}

// dashboardRenderer owns, per chat, the "active alerts" summary message.
// The dashboard topic is created lazily on the first alert in a chat and
// survives the registry emptying; only the refresh loop stops.
type dashboardRenderer struct {
	adapter   transport.Adapter
	dir       Directory
	reg       *Registry
	log       logx.Logger
	topicName string
	refresh   time.Duration
	now       func() time.Time
	onCreated func(chatID int64, topicID int, name string)

	runCtx context.Context

	mu       sync.Mutex
	boards   map[int64]*board
	creating map[int64]chan struct{}
	loops    map[int64]context.CancelFunc
	wg       sync.WaitGroup
}

func newDashboardRenderer(runCtx context.Context, adapter transport.Adapter, dir Directory, reg *Registry, topicName string, refresh time.Duration, onCreated func(int64, int, string), log logx.Logger) *dashboardRenderer {
	return &dashboardRenderer{
		adapter:   adapter,
		dir:       dir,
		reg:       reg,
		log:       log,
		topicName: topicName,
		refresh:   refresh,
		now:       time.Now,
		onCreated: onCreated,
		runCtx:    runCtx,
		boards:    make(map[int64]*board),
		creating:  make(map[int64]chan struct{}),
		loops:     make(map[int64]context.CancelFunc),
	}
}

// ensure lazily creates the chat's dashboard topic plus its placeholder
// message. Concurrent callers for the same chat wait on a single
// in-flight creation instead of racing to create two dashboards.
func (d *dashboardRenderer) ensure(ctx context.Context, chatID int64) error {
	for {
		d.mu.Lock()
		if d.boards[chatID] != nil {
			d.mu.Unlock()
			return nil
		}
		if ch := d.creating[chatID]; ch != nil {
			d.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		ch := make(chan struct{})
		d.creating[chatID] = ch
		d.mu.Unlock()

		b, err := d.create(ctx, chatID)

		d.mu.Lock()
		if err == nil {
			d.boards[chatID] = b
		}
		delete(d.creating, chatID)
		d.mu.Unlock()
		close(ch)

		if err != nil {
			return err
		}
		d.log.Info("dashboard created", logx.Int64("chat_id", chatID), logx.Int("topic_id", b.topicID))
		if d.onCreated != nil {
			d.onCreated(chatID, b.topicID, d.topicName)
		}
		return nil
	}
}

func (d *dashboardRenderer) create(ctx context.Context, chatID int64) (*board, error) {
	var topicID int
	err := sendWithRetry(ctx, func() error {
		var cerr error
		topicID, cerr = d.adapter.CreateTopic(ctx, chatID, d.topicName)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("create dashboard topic: %w", err)
	}

	var ref transport.MessageRef
	err = sendWithRetry(ctx, func() error {
		var serr error
		ref, serr = d.adapter.SendText(ctx,
			transport.ChatTarget{ChatID: chatID, ThreadID: topicID},
			dashboardHeader+"\n"+dashboardPlaceholder,
			&transport.SendOptions{DisablePreview: true})
		return serr
	})
	if err != nil {
		return nil, fmt.Errorf("post dashboard placeholder: %w", err)
	}
	return &board{topicID: topicID, messageID: ref.MessageID}, nil
}

// render rebuilds the summary text and edits the dashboard message in
// place. Failures are logged and swallowed; the next tick retries. If the
// message itself no longer exists (deleted externally), a fresh summary
// message is posted into the same topic and adopted.
func (d *dashboardRenderer) render(ctx context.Context, chatID int64) {
	d.mu.Lock()
	b := d.boards[chatID]
	d.mu.Unlock()
	if b == nil {
		return
	}

	text := d.buildText(ctx, chatID)
	ref := transport.MessageRef{ChatID: chatID, ThreadID: b.topicID, MessageID: b.messageID}
	err := sendWithRetry(ctx, func() error {
		return d.adapter.EditText(ctx, ref, text, &transport.SendOptions{DisablePreview: true})
	})
	if err == nil {
		return
	}

	if errors.Is(err, transport.ErrMessageNotFound) {
		var fresh transport.MessageRef
		serr := sendWithRetry(ctx, func() error {
			var e error
			fresh, e = d.adapter.SendText(ctx,
				transport.ChatTarget{ChatID: chatID, ThreadID: b.topicID},
				text, &transport.SendOptions{DisablePreview: true})
			return e
		})
		if serr != nil {
			d.log.Warn("dashboard recreate failed", logx.Int64("chat_id", chatID), logx.Err(serr))
			return
		}
		d.mu.Lock()
		if cur := d.boards[chatID]; cur == b {
			b.messageID = fresh.MessageID
		}
		d.mu.Unlock()
		d.log.Info("dashboard message recreated", logx.Int64("chat_id", chatID), logx.Int("message_id", fresh.MessageID))
		return
	}

	d.log.Warn("dashboard edit failed", logx.Int64("chat_id", chatID), logx.Err(err))
}

func (d *dashboardRenderer) buildText(ctx context.Context, chatID int64) string {
	topics := d.reg.ActiveTopics(chatID)
	if len(topics) == 0 {
		return dashboardHeader + "\n" + dashboardPlaceholder
	}

	chat, err := d.adapter.ChatInfo(ctx, chatID)
	if err != nil {
		// Links degrade to the private /c/ form.
		chat = transport.Chat{ID: chatID}
	}

	var sb strings.Builder
	sb.WriteString(dashboardHeader)
	sb.WriteString("\n")
	now := d.now()
	for _, topicID := range topics {
		name := d.dir.TopicName(chatID, topicID)
		idle := "(время неизвестно)"
		if at, ok := d.reg.ActivatedAt(chatID, topicID); ok {
			idle = "(" + formatIdle(now.Sub(at)) + ")"
		}
		fmt.Fprintf(&sb, "• %s %s - %s\n", name, idle, topicLink(chat, chatID, topicID))
	}
	return tgui.Clip(sb.String())
}

// formatIdle renders elapsed idle time the way the dashboard shows it:
// plain seconds under a minute, minutes plus leftover seconds above.
func formatIdle(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%d секунд простой", secs)
	}
	m, s := secs/60, secs%60
	if s == 0 {
		return fmt.Sprintf("%d минут простой", m)
	}
	return fmt.Sprintf("%d минут %d секунд простой", m, s)
}

// startRefreshLoop spawns the chat's periodic re-render loop if one is not
// already live. The loop re-renders every refresh interval while the chat
// has active alerts and exits (clearing its handle) once it has none; a
// later alert starts a fresh loop.
func (d *dashboardRenderer) startRefreshLoop(chatID int64) {
	d.mu.Lock()
	// No new loops after shutdown begins; stopLoops may already be
	// waiting on the group.
	if d.runCtx.Err() != nil {
		d.mu.Unlock()
		return
	}
	if _, live := d.loops[chatID]; live {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.runCtx)
	d.loops[chatID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer cancel()
		ticker := time.NewTicker(d.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
			case <-ticker.C:
				if d.reg.HasActive(chatID) {
					d.render(ctx, chatID)
					continue
				}
			}
			break
		}

		d.mu.Lock()
		delete(d.loops, chatID)
		again := ctx.Err() == nil && d.reg.HasActive(chatID)
		d.mu.Unlock()
		// An alert raised between the empty check and the handle removal
		// would otherwise be left without a loop.
		if again {
			d.startRefreshLoop(chatID)
		}
	}()
}

func (d *dashboardRenderer) loopRunning(chatID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.loops[chatID]
	return ok
}

// stopLoops cancels every refresh loop and waits for them to unwind.
func (d *dashboardRenderer) stopLoops() {
	d.mu.Lock()
	for _, cancel := range d.loops {
		cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}
