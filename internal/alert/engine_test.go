package alert

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"sosbot/internal/transport"
	"sosbot/pkg/logx"
)

type sentMsg struct {
	to   transport.ChatTarget
	text string
	ref  transport.MessageRef
}

type editMsg struct {
	ref  transport.MessageRef
	text string
}

// fakeAdapter records outbound calls and serves scripted errors.
type fakeAdapter struct {
	mu          sync.Mutex
	sent        []sentMsg
	edits       []editMsg
	topics      []string
	nextMsgID   int
	nextTopicID int

	chat    transport.Chat
	admins  []transport.User
	members map[string]transport.User

	sendErrs map[int64][]error // popped per-chat, in order
	editErrs []error           // popped per-edit, in order
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		nextMsgID:   100,
		nextTopicID: 500,
		chat:        transport.Chat{ID: -1001, Title: "test", IsForum: true},
		members:     map[string]transport.User{},
		sendErrs:    map[int64][]error{},
	}
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.sendErrs[to.ChatID]; len(q) > 0 {
		err := q[0]
		f.sendErrs[to.ChatID] = q[1:]
		if err != nil {
			return transport.MessageRef{}, err
		}
	}
	f.nextMsgID++
	ref := transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextMsgID}
	f.sent = append(f.sent, sentMsg{to: to, text: text, ref: ref})
	return ref, nil
}

func (f *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.editErrs) > 0 {
		err := f.editErrs[0]
		f.editErrs = f.editErrs[1:]
		if err != nil {
			return err
		}
	}
	f.edits = append(f.edits, editMsg{ref: ref, text: text})
	return nil
}

func (f *fakeAdapter) DeleteMessage(context.Context, transport.MessageRef) error { return nil }

func (f *fakeAdapter) CreateTopic(_ context.Context, _ int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTopicID++
	f.topics = append(f.topics, name)
	return f.nextTopicID, nil
}

func (f *fakeAdapter) RenameTopic(context.Context, int64, int, string) error { return nil }
func (f *fakeAdapter) DeleteTopic(context.Context, int64, int) error         { return nil }

func (f *fakeAdapter) ChatInfo(context.Context, int64) (transport.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chat, nil
}

func (f *fakeAdapter) ChatAdmins(context.Context, int64) ([]transport.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins, nil
}

func (f *fakeAdapter) MemberByUsername(_ context.Context, _ int64, username string) (transport.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.members[strings.ToLower(username)]
	if !ok {
		return transport.User{}, transport.ErrMessageNotFound
	}
	return u, nil
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

func (f *fakeAdapter) sentTo(chatID int64) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, s := range f.sent {
		if s.to.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeAdapter) topicCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

func (f *fakeAdapter) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeAdapter) lastEdit() (editMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return editMsg{}, false
	}
	return f.edits[len(f.edits)-1], true
}

type fakeDirectory struct {
	mu      sync.Mutex
	names   map[int]string
	workers []string
}

func (d *fakeDirectory) TopicName(_ int64, topicID int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.names[topicID]; ok {
		return n
	}
	return "Тема"
}

func (d *fakeDirectory) Workers(int64, int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.workers...)
}

const testChat = int64(-1001)

func newTestEngine(t *testing.T, fa *fakeAdapter, dir *fakeDirectory, cfg Config) *Engine {
	t.Helper()
	e := NewEngine(fa, dir, cfg, logx.Nop())
	t.Cleanup(e.Stop)
	return e
}

func TestEngineRaiseCreatesDashboardOnce(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{names: map[int]string{10: "Касса", 20: "Склад"}}
	e := newTestEngine(t, fa, dir, Config{TTL: time.Hour, RefreshEvery: time.Hour})

	ctx := context.Background()
	e.Raise(ctx, testChat, 10)
	e.Raise(ctx, testChat, 20)
	e.Raise(ctx, testChat, 10) // retrigger

	if n := fa.topicCount(); n != 1 {
		t.Fatalf("dashboard topics created = %d, want 1", n)
	}
	if !e.IsActive(testChat, 10) || !e.IsActive(testChat, 20) {
		t.Fatal("raised topics not active")
	}

	edit, ok := fa.lastEdit()
	if !ok {
		t.Fatal("dashboard never rendered")
	}
	if !strings.Contains(edit.text, "Касса") || !strings.Contains(edit.text, "Склад") {
		t.Fatalf("dashboard text missing topics: %q", edit.text)
	}
	if !strings.HasPrefix(edit.text, dashboardHeader) {
		t.Fatalf("dashboard text missing header: %q", edit.text)
	}
}

func TestEngineRetriggerExtendsExpiry(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{}
	e := newTestEngine(t, fa, dir, Config{TTL: 80 * time.Millisecond, RefreshEvery: time.Hour})

	ctx := context.Background()
	e.Raise(ctx, testChat, 10)
	time.Sleep(50 * time.Millisecond)
	e.Raise(ctx, testChat, 10)
	time.Sleep(50 * time.Millisecond)

	// the original deadline has passed, but the retrigger reset it
	if !e.IsActive(testChat, 10) {
		t.Fatal("alert expired despite retrigger")
	}

	waitFor(t, time.Second, func() bool { return !e.IsActive(testChat, 10) })
}

func TestEngineExpiryRerendersDashboard(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{names: map[int]string{10: "Касса"}}
	e := newTestEngine(t, fa, dir, Config{TTL: 40 * time.Millisecond, RefreshEvery: time.Hour})

	e.Raise(context.Background(), testChat, 10)
	waitFor(t, time.Second, func() bool { return !e.IsActive(testChat, 10) })

	waitFor(t, time.Second, func() bool {
		edit, ok := fa.lastEdit()
		return ok && strings.Contains(edit.text, dashboardPlaceholder)
	})
}

func TestEngineClearCancelsExpiry(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{}
	e := newTestEngine(t, fa, dir, Config{TTL: time.Hour, RefreshEvery: time.Hour})

	ctx := context.Background()
	e.Raise(ctx, testChat, 10)
	e.Clear(ctx, testChat, 10)

	if e.IsActive(testChat, 10) {
		t.Fatal("alert active after clear")
	}
	if e.exp.pendingCount() != 0 {
		t.Fatal("expiry still pending after clear")
	}
}

func TestEngineDashboardRecreatedWhenMessageGone(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{names: map[int]string{10: "Касса", 20: "Склад"}}
	e := newTestEngine(t, fa, dir, Config{TTL: time.Hour, RefreshEvery: time.Hour})

	ctx := context.Background()
	e.Raise(ctx, testChat, 10)

	// the dashboard message vanishes before the next render
	fa.mu.Lock()
	fa.editErrs = append(fa.editErrs, transport.ErrMessageNotFound)
	dashTopic := fa.nextTopicID
	fa.mu.Unlock()

	e.Raise(ctx, testChat, 20)

	msgs := fa.sentTo(testChat)
	var summaries []sentMsg
	for _, m := range msgs {
		if m.to.ThreadID == dashTopic {
			summaries = append(summaries, m)
		}
	}
	if len(summaries) != 2 {
		t.Fatalf("summary messages in dashboard topic = %d, want 2 (placeholder + recreated)", len(summaries))
	}
	if !strings.Contains(summaries[1].text, "Склад") {
		t.Fatalf("recreated summary missing topic: %q", summaries[1].text)
	}

	// subsequent edits target the recreated message
	e.Raise(ctx, testChat, 10)
	edit, ok := fa.lastEdit()
	if !ok {
		t.Fatal("no edit after recreation")
	}
	if edit.ref.MessageID != summaries[1].ref.MessageID {
		t.Fatalf("edit targets message %d, want recreated %d", edit.ref.MessageID, summaries[1].ref.MessageID)
	}
}

func TestEngineFanoutDMsAndFallback(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	fa.members["alice"] = transport.User{ID: 100, Username: "alice"}
	fa.members["bob"] = transport.User{ID: 200, Username: "bob"}
	fa.sendErrs[200] = []error{transport.ErrMessageNotFound} // bob never started the bot
	dir := &fakeDirectory{names: map[int]string{10: "Касса"}, workers: []string{"alice", "bob"}}
	e := newTestEngine(t, fa, dir, Config{TTL: time.Hour, RefreshEvery: time.Hour})

	e.Raise(context.Background(), testChat, 10)

	// alice got her DM
	waitFor(t, time.Second, func() bool { return len(fa.sentTo(100)) == 1 })
	dm := fa.sentTo(100)[0]
	if !strings.Contains(dm.text, "Касса") || !strings.Contains(dm.text, "t.me/") {
		t.Fatalf("dm text = %q", dm.text)
	}

	// bob's failure fell back to an in-topic mention
	waitFor(t, time.Second, func() bool {
		for _, m := range fa.sentTo(testChat) {
			if m.to.ThreadID == 10 && strings.Contains(m.text, "bob") {
				return true
			}
		}
		return false
	})
}

func TestEngineFanoutRetriesRateLimit(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	fa.members["alice"] = transport.User{ID: 100, Username: "alice"}
	fa.sendErrs[100] = []error{&transport.RetryAfterError{RetryAfter: 10 * time.Millisecond}}
	dir := &fakeDirectory{workers: []string{"alice"}}
	e := newTestEngine(t, fa, dir, Config{TTL: time.Hour, RefreshEvery: time.Hour})

	e.Raise(context.Background(), testChat, 10)

	waitFor(t, time.Second, func() bool { return len(fa.sentTo(100)) == 1 })
}

func TestEngineConcurrentRaisesStillAutoClear(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{}
	e := newTestEngine(t, fa, dir, Config{TTL: 150 * time.Millisecond, RefreshEvery: time.Hour})

	// Hammer one key from many goroutines: whatever the interleaving,
	// the surviving timer must carry the registry's current stamp so
	// the alert still expires exactly one TTL after the last trigger.
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				e.Raise(ctx, testChat, 10)
			}
		}()
	}
	wg.Wait()

	if !e.IsActive(testChat, 10) {
		t.Fatal("alert not active right after the raises")
	}
	waitFor(t, 2*time.Second, func() bool { return !e.IsActive(testChat, 10) })
	if n := e.exp.pendingCount(); n != 0 {
		t.Fatalf("pending timers = %d after auto-clear", n)
	}
}

func TestEngineRaiseAfterStopStartsNoLoop(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{}
	e := newTestEngine(t, fa, dir, Config{TTL: time.Hour, RefreshEvery: 10 * time.Millisecond})

	e.Stop()

	// a straggler raise from an in-flight dispatch job
	e.Raise(context.Background(), testChat, 10)
	if e.dash.loopRunning(testChat) {
		t.Fatal("refresh loop started after shutdown")
	}
}

func TestEngineRefreshLoopLifecycle(t *testing.T) {
	t.Parallel()

	fa := newFakeAdapter()
	dir := &fakeDirectory{names: map[int]string{10: "Касса"}}
	e := newTestEngine(t, fa, dir, Config{TTL: 90 * time.Millisecond, RefreshEvery: 20 * time.Millisecond})

	e.Raise(context.Background(), testChat, 10)
	if !e.dash.loopRunning(testChat) {
		t.Fatal("refresh loop not running after raise")
	}

	// ticks re-render while active
	before := fa.editCount()
	waitFor(t, time.Second, func() bool { return fa.editCount() > before })

	// once the alert expires the loop winds down
	waitFor(t, time.Second, func() bool { return !e.IsActive(testChat, 10) })
	waitFor(t, time.Second, func() bool { return !e.dash.loopRunning(testChat) })

	// a fresh alert starts a fresh loop
	e.Raise(context.Background(), testChat, 10)
	if !e.dash.loopRunning(testChat) {
		t.Fatal("refresh loop not restarted")
	}
}
