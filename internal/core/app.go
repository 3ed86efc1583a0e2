package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"sosbot/internal/adapters/telegram"
	"sosbot/internal/alert"
	"sosbot/internal/breaks"
	"sosbot/internal/config"
	"sosbot/internal/store"
	"sosbot/internal/topics"
	"sosbot/internal/transport"
	"sosbot/pkg/logx"
)

// App wires every service together and owns their lifecycles.
type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	adapter *telegram.Adapter
	topics  *topics.Service
	det     *Detector
	admins  *adminSet
	pool    *store.Store
	brk     *breaks.Service
	engine  *alert.Engine
	cmds    *Commands

	updates chan transport.Update

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level).With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logxConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))
	applyLogTarget(logSvc, cfg)

	ts := topics.NewService()
	det := NewDetector(cfg.SOS.Words)
	adm := newAdminSet(ad, cfg.Telegram.OwnerUserIDs)

	var pool *store.Store
	if strings.TrimSpace(cfg.Storage.Path) != "" {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		pool, err = store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busy},
			log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, err
		}
	}

	ttl, err := config.ParseDurationOrDefault("alert.ttl", cfg.Alert.TTL, 0)
	if err != nil {
		return nil, err
	}
	refresh, err := config.ParseDurationOrDefault("alert.refresh_every", cfg.Alert.RefreshEvery, 0)
	if err != nil {
		return nil, err
	}
	engine := alert.NewEngine(ad, ts, alert.Config{
		TTL:                ttl,
		RefreshEvery:       refresh,
		DashboardTopic:     cfg.Alert.DashboardTopic,
		OnDashboardCreated: ts.RecordTopic,
	}, log.With(logx.String("comp", "alert")))

	cmds := NewCommands(log.With(logx.String("comp", "commands")),
		ad, ts, engine, det, adm, pool, nil)

	brk, err := breaks.New(cfg.Breaks.Timezone, cfg.Breaks.MaxActive,
		func(ctx context.Context, text string) { cmds.Broadcast(ctx, text) },
		log.With(logx.String("comp", "breaks")))
	if err != nil {
		return nil, err
	}
	cmds.breaks = brk

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		topics:  ts,
		det:     det,
		admins:  adm,
		pool:    pool,
		brk:     brk,
		engine:  engine,
		cmds:    cmds,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token is required")
		}
		for _, path := range []struct{ name, raw string }{
			{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
			{"alert.ttl", cfg.Alert.TTL},
			{"alert.refresh_every", cfg.Alert.RefreshEvery},
			{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		} {
			if _, err := config.ParseDurationField(path.name, path.raw); err != nil {
				return err
			}
		}
		if tz := strings.TrimSpace(cfg.Breaks.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("breaks.timezone: invalid %q: %w", tz, err)
			}
		}
		return nil
	})

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}
	a.cmds.SetBotUsername(a.adapter.BotUsername())

	a.brk.Start(runCtx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cmds.DispatchLoop(runCtx, a.updates)
	}()

	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started")
	return nil
}

// reloadLoop applies hot-reloadable config sections: logging sinks and
// target, trigger words, owners. Structural sections (token, storage,
// breaks timezone) need a restart and are intentionally not re-applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts, keep only the newest
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
					continue
				default:
				}
				break
			}

			a.logs.Apply(logxConfig(cfg))
			applyLogTarget(a.logs, cfg)
			a.det.SetWords(cfg.SOS.Words)
			a.admins.SetOwners(cfg.Telegram.OwnerUserIDs)
			a.log.Info("config reloaded")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.runCancel != nil {
		a.runCancel()
	}
	a.brk.Stop()
	a.engine.Stop()
	_ = a.adapter.Stop(ctx)
	a.wg.Wait()
	if a.pool != nil {
		_ = a.pool.Close()
	}
	_ = a.logs.Close()
	a.log.Info("app stopped")
	return nil
}

func logxConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func applyLogTarget(svc *logx.Service, cfg *config.Config) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		svc.SetTelegramTarget(0, 0)
		return
	}
	if chatID, err := strconv.ParseInt(raw, 10, 64); err == nil {
		svc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
}
