package core

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"

	"sosbot/internal/alert"
	"sosbot/internal/topics"
	"sosbot/internal/transport"
	"sosbot/pkg/logx"
)

// stubAdapter implements transport.Adapter with just enough behavior for
// the command tests: it records sends/deletes and serves static lookups.
type stubAdapter struct {
	mu      sync.Mutex
	sent    []string
	sentTo  []transport.ChatTarget
	deleted []transport.MessageRef
	admins  []transport.User

	nextTopicID int
}

func (s *stubAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (s *stubAdapter) Stop(context.Context) error                           { return nil }

func (s *stubAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	s.sentTo = append(s.sentTo, to)
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(s.sent)}, nil
}

func (s *stubAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}

func (s *stubAdapter) DeleteMessage(_ context.Context, ref transport.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ref)
	return nil
}

func (s *stubAdapter) CreateTopic(context.Context, int64, string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTopicID++
	return s.nextTopicID, nil
}

func (s *stubAdapter) RenameTopic(context.Context, int64, int, string) error { return nil }
func (s *stubAdapter) DeleteTopic(context.Context, int64, int) error         { return nil }

func (s *stubAdapter) ChatInfo(_ context.Context, chatID int64) (transport.Chat, error) {
	return transport.Chat{ID: chatID, IsForum: true}, nil
}

func (s *stubAdapter) ChatAdmins(context.Context, int64) ([]transport.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admins, nil
}

func (s *stubAdapter) MemberByUsername(context.Context, int64, string) (transport.User, error) {
	return transport.User{}, transport.ErrMessageNotFound
}

func (s *stubAdapter) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *stubAdapter) deletedRefs() []transport.MessageRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.MessageRef(nil), s.deleted...)
}

func newTestCommands(t *testing.T, sa *stubAdapter, owners []int64) (*Commands, *topics.Service) {
	t.Helper()
	ts := topics.NewService()
	det := NewDetector([]string{"sos"})
	adm := newAdminSet(sa, owners)
	engine := alert.NewEngine(sa, ts, alert.Config{}, logx.Nop())
	t.Cleanup(engine.Stop)
	return NewCommands(logx.Nop(), sa, ts, engine, det, adm, nil, nil), ts
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	c := &Commands{botUsername: "sosbot"}

	cases := []struct {
		text string
		cmd  string
		args []string
		ok   bool
	}{
		{"/worker @a @b", "worker", []string{"@a", "@b"}, true},
		{"/GALL", "gall", nil, true},
		{"/only@sosbot off", "only", []string{"off"}, true},
		{"/only@otherbot", "", nil, false},
		{"привет", "", nil, false},
		{"/", "", nil, false},
		{"  /pc 5 ", "pc", []string{"5"}, true},
	}
	for _, tc := range cases {
		cmd, args, ok := c.parseCommand(tc.text)
		if ok != tc.ok || cmd != tc.cmd {
			t.Errorf("parseCommand(%q) = (%q, %v, %v)", tc.text, cmd, args, ok)
			continue
		}
		if ok && len(tc.args) > 0 && !reflect.DeepEqual(args, tc.args) {
			t.Errorf("parseCommand(%q) args = %v, want %v", tc.text, args, tc.args)
		}
	}
}

func TestMessagePassRaisesAlert(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, _ := newTestCommands(t, sa, nil)

	c.messagePass(context.Background(), transport.Message{
		ID: 1, ChatID: -1, ThreadID: 10, FromID: 5, Text: "тут SOS, помогите",
	})

	if !c.engine.IsActive(-1, 10) {
		t.Fatal("trigger word did not raise the alert")
	}

	// a plain chat message (no thread) never raises
	c.messagePass(context.Background(), transport.Message{
		ID: 2, ChatID: -1, ThreadID: 0, FromID: 5, Text: "sos",
	})
	if c.engine.IsActive(-1, 0) {
		t.Fatal("threadless message raised an alert")
	}
}

func TestMessagePassMentionsRoster(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, ts := newTestCommands(t, sa, nil)
	ts.AddWorkers(-1, 10, "alice", "bob")

	c.messagePass(context.Background(), transport.Message{
		ID: 1, ChatID: -1, ThreadID: 10, FromID: 5, Text: "нужен НОМЕР срочно",
	})

	found := false
	for _, s := range sa.sentTexts() {
		if strings.Contains(s, "@alice") && strings.Contains(s, "@bob") {
			found = true
		}
	}
	if !found {
		t.Fatalf("roster mention not sent; sent = %v", sa.sentTexts())
	}
}

func TestMessagePassDeletesRestricted(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, ts := newTestCommands(t, sa, []int64{99})
	ts.Restrict(-1, 10)

	// non-admin writing in an unlisted topic: message deleted
	c.messagePass(context.Background(), transport.Message{
		ID: 7, ChatID: -1, ThreadID: 20, FromID: 5, Text: "привет",
	})
	if got := c.engine.IsActive(-1, 20); got {
		t.Fatal("restricted message still triggered")
	}
	if refs := sa.deletedRefs(); len(refs) != 1 || refs[0].MessageID != 7 {
		t.Fatalf("deleted = %v", refs)
	}

	// owner is exempt
	c.messagePass(context.Background(), transport.Message{
		ID: 8, ChatID: -1, ThreadID: 20, FromID: 99, Text: "привет",
	})
	if refs := sa.deletedRefs(); len(refs) != 1 {
		t.Fatalf("owner message deleted: %v", refs)
	}

	// listed topic passes
	c.messagePass(context.Background(), transport.Message{
		ID: 9, ChatID: -1, ThreadID: 10, FromID: 5, Text: "sos",
	})
	if !c.engine.IsActive(-1, 10) {
		t.Fatal("allowed topic did not trigger")
	}
}

func TestCmdWorkerListsAndAdds(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, ts := newTestCommands(t, sa, []int64{99})

	msg := transport.Message{ID: 1, ChatID: -1, ThreadID: 10, FromID: 99, Text: "/worker @alice @bob"}
	c.handle(context.Background(), msg)

	if got := ts.Workers(-1, 10); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("workers = %v", got)
	}

	c.handle(context.Background(), transport.Message{
		ID: 2, ChatID: -1, ThreadID: 10, FromID: 99, Text: "/worker",
	})
	texts := sa.sentTexts()
	last := texts[len(texts)-1]
	if !strings.Contains(last, "@alice") || !strings.Contains(last, "@bob") {
		t.Fatalf("worker list reply = %q", last)
	}
}

func TestAdminGate(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, ts := newTestCommands(t, sa, []int64{99})

	// non-admin rejected
	c.handle(context.Background(), transport.Message{
		ID: 1, ChatID: -1, ThreadID: 10, FromID: 5, Text: "/worker @alice",
	})
	if got := ts.Workers(-1, 10); got != nil {
		t.Fatalf("non-admin mutated roster: %v", got)
	}

	// chat administrator passes
	sa.mu.Lock()
	sa.admins = []transport.User{{ID: 5, Username: "mod"}}
	sa.mu.Unlock()
	c.handle(context.Background(), transport.Message{
		ID: 2, ChatID: -1, ThreadID: 10, FromID: 5, Text: "/worker @alice",
	})
	if got := ts.Workers(-1, 10); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("workers = %v", got)
	}
}

func TestCmdAdminOwnerOnly(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, _ := newTestCommands(t, sa, []int64{99})

	c.handle(context.Background(), transport.Message{
		ID: 1, ChatID: -1, FromID: 5, Text: "/admin add 42",
	})
	if c.admins.IsAdmin(context.Background(), -1, 42) {
		t.Fatal("non-owner managed admins")
	}

	c.handle(context.Background(), transport.Message{
		ID: 2, ChatID: -1, FromID: 99, Text: "/admin add 42",
	})
	if !c.admins.IsAdmin(context.Background(), -1, 42) {
		t.Fatal("owner add failed")
	}

	c.handle(context.Background(), transport.Message{
		ID: 3, ChatID: -1, FromID: 99, Text: "/admin del 42",
	})
	if c.admins.IsAdmin(context.Background(), -1, 42) {
		t.Fatal("owner del failed")
	}
}

func TestBroadcastReachesAllTopics(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, ts := newTestCommands(t, sa, nil)
	ts.RecordTopic(-1, 10, "a")
	ts.RecordTopic(-1, 20, "b")
	ts.RecordTopic(-2, 5, "c")

	n := c.Broadcast(context.Background(), "☕ перерыв")
	if n != 3 {
		t.Fatalf("broadcast reached %d topics, want 3", n)
	}
}

func TestBotNameSuffixIgnoredForOthers(t *testing.T) {
	t.Parallel()

	sa := &stubAdapter{}
	c, ts := newTestCommands(t, sa, []int64{99})
	c.SetBotUsername("@sosbot")

	c.handle(context.Background(), transport.Message{
		ID: 1, ChatID: -1, ThreadID: 10, FromID: 99, Text: "/worker@otherbot @alice",
	})
	if got := ts.Workers(-1, 10); got != nil {
		t.Fatalf("foreign-bot command executed: %v", got)
	}
}
