// Package breaks schedules the daily break reminders. Each break has a
// start and an end time of day; at both moments a reminder is broadcast
// into every known topic.
package breaks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sosbot/pkg/logx"
)

// Break is one named daily break window.
type Break struct {
	Name      string
	Start     string // HH:MM
	End       string // HH:MM
	StartText string
	EndText   string
}

// BroadcastFunc delivers a reminder text to every known topic. The
// service never cares where it goes.
type BroadcastFunc func(ctx context.Context, text string)

const DefaultMaxActive = 5

type entry struct {
	brk     Break
	startID cron.EntryID
	endID   cron.EntryID
}

type Service struct {
	loc       *time.Location
	max       int
	broadcast BroadcastFunc
	log       logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
	runCtx  context.Context
	cancel  context.CancelFunc
}

func New(timezone string, maxActive int, broadcast BroadcastFunc, log logx.Logger) (*Service, error) {
	loc := time.Local
	if strings.TrimSpace(timezone) != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Service{
		loc:       loc,
		max:       maxActive,
		broadcast: broadcast,
		log:       log,
		entries:   make(map[string]*entry),
	}, nil
}

// Start launches the cron runner. Breaks created before Start are
// registered when their Create ran; the runner just begins firing them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.c = cron.New(cron.WithLocation(s.loc))
		for _, e := range s.entries {
			s.registerLocked(e)
		}
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c.Start()
}

// Stop halts the runner and waits for in-flight reminders.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		<-c.Stop().Done()
	}
}

// Create registers a new daily break. Fails when the name is taken, a
// time does not parse, or the active limit is reached.
func (s *Service) Create(b Break) error {
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return errors.New("break name is required")
	}
	if _, _, err := parseHHMM(b.Start); err != nil {
		return fmt.Errorf("start time: %w", err)
	}
	if _, _, err := parseHHMM(b.End); err != nil {
		return fmt.Errorf("end time: %w", err)
	}
	if b.StartText == "" {
		b.StartText = fmt.Sprintf("Перерыв «%s» начался", b.Name)
	}
	if b.EndText == "" {
		b.EndText = fmt.Sprintf("Перерыв «%s» закончился", b.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[b.Name]; exists {
		return fmt.Errorf("break %q already exists", b.Name)
	}
	if len(s.entries) >= s.max {
		return fmt.Errorf("break limit reached (%d)", s.max)
	}
	e := &entry{brk: b}
	s.entries[b.Name] = e
	if s.c != nil {
		s.registerLocked(e)
	}
	s.log.Info("break created", logx.String("name", b.Name),
		logx.String("start", b.Start), logx.String("end", b.End))
	return nil
}

func (s *Service) registerLocked(e *entry) {
	sh, sm, _ := parseHHMM(e.brk.Start)
	eh, em, _ := parseHHMM(e.brk.End)
	startText, endText := e.brk.StartText, e.brk.EndText
	e.startID, _ = s.c.AddFunc(cronSpec(sh, sm), func() { s.fire(startText) })
	e.endID, _ = s.c.AddFunc(cronSpec(eh, em), func() { s.fire(endText) })
}

// Delete removes a break. Reports whether it existed.
func (s *Service) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[strings.TrimSpace(name)]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(e.startID)
		s.c.Remove(e.endID)
	}
	delete(s.entries, e.brk.Name)
	s.log.Info("break deleted", logx.String("name", e.brk.Name))
	return true
}

// List returns the registered breaks sorted by name.
func (s *Service) List() []Break {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Break, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.brk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) fire(text string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if s.broadcast != nil {
		s.broadcast(ctx, "☕ "+text)
	}
}

func parseHHMM(s string) (h, m int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err = strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err = strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func cronSpec(h, m int) string {
	return fmt.Sprintf("%d %d * * *", m, h)
}
