package alert

import (
	"context"
	"sync"
	"time"

	"sosbot/internal/transport"
	"sosbot/pkg/logx"
)

// Directory supplies the chat metadata the engine renders and notifies
// with. The topics service implements it.
type Directory interface {
	// TopicName returns a display name for the topic, falling back to a
	// generic label when the topic was never recorded.
	TopicName(chatID int64, topicID int) string
	// Workers returns the topic's registered responders in registration
	// order.
	Workers(chatID int64, topicID int) []string
}

type Config struct {
	// TTL is how long an alert stays active without a retrigger.
	TTL time.Duration
	// RefreshEvery is the dashboard re-render period.
	RefreshEvery time.Duration
	// DashboardTopic names the forum topic created to host the dashboard.
	DashboardTopic string
	// OnDashboardCreated, when set, is invoked after a chat's dashboard
	// topic is first created, so the caller can record it.
	OnDashboardCreated func(chatID int64, topicID int, name string)
}

const (
	defaultTTL            = 5 * time.Minute
	defaultRefreshEvery   = 30 * time.Second
	defaultDashboardTopic = "Активные темы"
)

// Engine ties the alert lifecycle together: the registry holds what is
// active, the expiry coordinator clears stale alerts, the dashboard shows
// them, and the fanout tells responders. Raise is the single entry point
// and is safe to call from any goroutine.
type Engine struct {
	reg  *Registry
	exp  *expiryCoordinator
	dash *dashboardRenderer
	fan  *fanout
	log  logx.Logger

	// raiseMu makes "stamp the registry, arm the timer" atomic per
	// engine: interleaved raises on one key could otherwise leave the
	// live timer holding a stale stamp that ClearIf then refuses, so
	// the alert would never auto-clear.
	raiseMu sync.Mutex

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(adapter transport.Adapter, dir Directory, cfg Config, log logx.Logger) *Engine {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = defaultRefreshEvery
	}
	if cfg.DashboardTopic == "" {
		cfg.DashboardTopic = defaultDashboardTopic
	}

	runCtx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		reg:    NewRegistry(),
		log:    log,
		runCtx: runCtx,
		cancel: cancel,
	}
	e.exp = newExpiryCoordinator(cfg.TTL, e.expire)
	e.dash = newDashboardRenderer(runCtx, adapter, dir, e.reg,
		cfg.DashboardTopic, cfg.RefreshEvery, cfg.OnDashboardCreated, log)
	e.fan = &fanout{adapter: adapter, dir: dir, log: log}
	return e
}

// Raise activates (or retriggers) the alert for the topic. It never
// returns an error: delivery problems are logged and the alert state is
// kept regardless, so a flaky network cannot lose an activation. The
// expiry clock always restarts from this trigger.
func (e *Engine) Raise(ctx context.Context, chatID int64, topicID int) {
	e.raiseMu.Lock()
	wasActive, at := e.reg.Raise(chatID, topicID)
	e.exp.Reschedule(chatID, topicID, at)
	e.raiseMu.Unlock()

	if wasActive {
		e.log.Debug("alert retriggered",
			logx.Int64("chat_id", chatID), logx.Int("topic_id", topicID))
	} else {
		e.log.Info("alert raised",
			logx.Int64("chat_id", chatID), logx.Int("topic_id", topicID))
	}

	// ensure is a cheap no-op once the dashboard exists; calling it on
	// retriggers heals a failed first creation.
	if err := e.dash.ensure(ctx, chatID); err != nil {
		e.log.Error("dashboard unavailable",
			logx.Int64("chat_id", chatID), logx.Err(err))
	} else {
		e.dash.render(ctx, chatID)
	}
	e.dash.startRefreshLoop(chatID)

	// Responders are told on every trigger, not only the first: a
	// repeated distress signal keeps the same urgency.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fan.Notify(e.runCtx, chatID, topicID)
	}()
}

// Clear manually deactivates the alert (someone handled the topic).
func (e *Engine) Clear(ctx context.Context, chatID int64, topicID int) {
	e.raiseMu.Lock()
	e.exp.Cancel(chatID, topicID)
	e.reg.Clear(chatID, topicID)
	e.raiseMu.Unlock()
	e.dash.render(ctx, chatID)
	e.log.Info("alert cleared",
		logx.Int64("chat_id", chatID), logx.Int("topic_id", topicID))
}

// IsActive reports whether the topic currently has a live alert.
func (e *Engine) IsActive(chatID int64, topicID int) bool {
	return e.reg.IsActive(chatID, topicID)
}

// expire runs from the coordinator's timer goroutine. The raisedAt stamp
// guards against a retrigger that slipped in after the timer fired: in
// that case the registry refuses the clear and the newer timer owns the
// alert.
func (e *Engine) expire(chatID int64, topicID int, raisedAt time.Time) {
	if !e.reg.ClearIf(chatID, topicID, raisedAt) {
		return
	}
	e.log.Info("alert expired",
		logx.Int64("chat_id", chatID), logx.Int("topic_id", topicID))
	e.dash.render(e.runCtx, chatID)
}

// Stop cancels pending expiries, the refresh loops and in-flight
// notifications, then waits for everything to unwind.
func (e *Engine) Stop() {
	e.exp.Stop()
	e.cancel()
	e.dash.stopLoops()
	e.wg.Wait()
}
