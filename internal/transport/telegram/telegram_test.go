package telegram

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"

	"nudgebot/internal/dispatch"
	rtsup "nudgebot/internal/runtime/supervisor"
	logx "nudgebot/pkg/logx"
)

type sentMsg struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	chat, _ := to.(*tele.Chat)
	text, _ := what.(string)
	var id int64
	if chat != nil {
		id = chat.ID
	}
	f.sent = append(f.sent, sentMsg{chatID: id, text: text})
	return &tele.Message{ID: len(f.sent)}, nil
}

func testConfig() Config {
	return Config{
		Enabled: true,
		Token:   "123:abc",
		Recipients: map[string]int64{
			"alice": 100,
			"bob":   100,
			"carol": 200,
		},
		BroadcastChats: []int64{300, 200},
	}
}

func destIDs(dests []dispatch.Destination) []string {
	ids := make([]string, 0, len(dests))
	for _, d := range dests {
		ids = append(ids, d.ID())
	}
	return ids
}

func TestBuildDestinations(t *testing.T) {
	bot := &fakeSender{}
	dests := buildDestinations(testConfig(), bot)

	want := []string{"telegram:100", "telegram:200", "telegram:300"}
	if got := destIDs(dests); !slices.Equal(got, want) {
		t.Fatalf("destination ids = %v, want %v", got, want)
	}

	byID := map[string]dispatch.Destination{}
	for _, d := range dests {
		byID[d.ID()] = d
	}

	if !byID["telegram:100"].Covers("alice") || !byID["telegram:100"].Covers("bob") {
		t.Error("chat 100 should cover alice and bob")
	}
	if byID["telegram:100"].Covers("carol") {
		t.Error("chat 100 should not cover carol")
	}
	// Chat 200 is both a recipient target and a broadcast chat; the
	// recipient coverage must survive.
	if !byID["telegram:200"].Covers("carol") {
		t.Error("chat 200 should keep carol coverage")
	}
	// Broadcast-only chats cover nobody by name.
	for _, name := range []string{"alice", "bob", "carol", ""} {
		if byID["telegram:300"].Covers(name) {
			t.Errorf("broadcast chat should not cover %q", name)
		}
	}
}

func TestBuildDestinationsSkipsEmptyEntries(t *testing.T) {
	cfg := Config{
		Recipients:     map[string]int64{"": 5, "dave": 0},
		BroadcastChats: []int64{0},
	}
	if dests := buildDestinations(cfg, &fakeSender{}); len(dests) != 0 {
		t.Fatalf("expected no destinations, got %v", destIDs(dests))
	}
}

func TestDestinationSend(t *testing.T) {
	bot := &fakeSender{}
	dests := buildDestinations(testConfig(), bot)

	var target dispatch.Destination
	for _, d := range dests {
		if d.ID() == "telegram:200" {
			target = d
		}
	}
	if err := target.Send(context.Background(), "carol", "dentist at 3pm"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0].chatID != 200 || bot.sent[0].text != "dentist at 3pm" {
		t.Fatalf("sent = %+v", bot.sent)
	}

	bot.err = errors.New("telegram: 403 forbidden")
	if err := target.Send(context.Background(), "carol", "again"); err == nil {
		t.Fatal("expected send error to propagate")
	}
}

func newTestService(t *testing.T) (*Service, *dispatch.Router) {
	t.Helper()
	rt := dispatch.NewRouter(dispatch.Config{RatePerSec: 1000, Burst: 1000}, nil, logx.Nop())
	svc := New(testConfig(), rt, logx.Nop())
	return svc, rt
}

func TestRefreshSyncsRouter(t *testing.T) {
	svc, rt := newTestService(t)
	svc.bot = &fakeSender{}

	svc.mu.Lock()
	svc.refreshLocked()
	svc.mu.Unlock()

	want := []string{"telegram:100", "telegram:200", "telegram:300"}
	if got := rt.DestinationIDs(); !slices.Equal(got, want) {
		t.Fatalf("attached = %v, want %v", got, want)
	}

	// Drop chat 300, add chat 400.
	svc.mu.Lock()
	svc.cfg.BroadcastChats = []int64{400}
	svc.refreshLocked()
	svc.mu.Unlock()

	want = []string{"telegram:100", "telegram:200", "telegram:400"}
	if got := rt.DestinationIDs(); !slices.Equal(got, want) {
		t.Fatalf("after remap = %v, want %v", got, want)
	}
}

func TestApplyRemapInPlace(t *testing.T) {
	svc, rt := newTestService(t)
	svc.bot = &fakeSender{}
	svc.sup = rtsup.New(context.Background())
	t.Cleanup(func() { svc.sup.Cancel() })

	svc.mu.Lock()
	svc.refreshLocked()
	svc.mu.Unlock()

	next := testConfig()
	next.Recipients = map[string]int64{"alice": 100}
	next.BroadcastChats = nil
	svc.Apply(next)

	if got := rt.DestinationIDs(); !slices.Equal(got, []string{"telegram:100"}) {
		t.Fatalf("after apply = %v", got)
	}
	// Same supervisor: the remap must not reconnect.
	if svc.sup == nil {
		t.Fatal("apply with unchanged token should not restart the connection")
	}
}

func TestStopDetachesAll(t *testing.T) {
	svc, rt := newTestService(t)
	svc.bot = &fakeSender{}
	svc.sup = rtsup.New(context.Background())

	svc.mu.Lock()
	svc.refreshLocked()
	svc.mu.Unlock()
	if got := rt.DestinationIDs(); len(got) == 0 {
		t.Fatal("expected destinations attached before stop")
	}

	svc.Stop(context.Background())
	if got := rt.DestinationIDs(); len(got) != 0 {
		t.Fatalf("after stop = %v, want none", got)
	}
	if svc.sup != nil || svc.bot != nil {
		t.Fatal("stop should clear connection state")
	}
}

func TestStartRefusesWithoutToken(t *testing.T) {
	rt := dispatch.NewRouter(dispatch.Config{}, nil, logx.Nop())

	svc := New(Config{Enabled: false}, rt, logx.Nop())
	svc.Start(context.Background())
	if svc.sup != nil {
		t.Fatal("disabled transport should not start")
	}

	svc = New(Config{Enabled: true, Token: "  "}, rt, logx.Nop())
	svc.Start(context.Background())
	if svc.sup != nil {
		t.Fatal("empty token should not start a connection")
	}
}
