package bot

import (
	"context"
	"strings"
	"sync"
	"testing"

	"polisbot/internal/collect"
	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
)

func startRouter(t *testing.T, r *Router) chan kit.Update {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ch := make(chan kit.Update, 8)
	go func() { _ = r.DispatchLoop(ctx, ch) }()
	return ch
}

func msgUpdate(chatID, fromID int64, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:     1,
			ChatID: chatID,
			FromID: fromID,
			Text:   text,
		},
	}
}

func TestUnauthorizedGetsFixedDenial(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(ad, collect.New(ad, logx.Nop()), logx.Nop())
	r.SetCommands([]Command{{Name: "ping", Handle: func(ctx context.Context, req *Request) error {
		t.Error("handler must not run for unauthorized user")
		return nil
	}}})
	r.SetMembers(map[int64]bool{7: true})

	ch := startRouter(t, r)
	ch <- msgUpdate(10, 999, "/ping")

	waitFor(t, func() bool { return ad.sendCount() == 1 })
	if got := ad.lastSend(t).Text; got != deniedReply {
		t.Fatalf("denial text = %q", got)
	}
}

func TestCommandParsing(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(ad, collect.New(ad, logx.Nop()), logx.Nop())

	var mu sync.Mutex
	var got *Request
	r.SetCommands([]Command{{Name: "extend", Handle: func(ctx context.Context, req *Request) error {
		mu.Lock()
		got = req
		mu.Unlock()
		return nil
	}}})
	r.SetMembers(map[int64]bool{7: true})

	ch := startRouter(t, r)
	ch <- msgUpdate(10, 7, "/extend@polisbot B-1234-XY 30")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if got.Command != "extend" {
		t.Fatalf("command = %q", got.Command)
	}
	if len(got.Args) != 2 || got.Args[0] != "B-1234-XY" || got.Args[1] != "30" {
		t.Fatalf("args = %v", got.Args)
	}
}

func TestGroupScopeIgnoresForeignChats(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(ad, collect.New(ad, logx.Nop()), logx.Nop())

	ran := make(chan struct{}, 2)
	r.SetCommands([]Command{{Name: "ping", Handle: func(ctx context.Context, req *Request) error {
		ran <- struct{}{}
		return nil
	}}})
	r.SetMembers(map[int64]bool{7: true})
	r.SetGroupScope(-100)

	ch := startRouter(t, r)
	ch <- msgUpdate(-200, 7, "/ping") // wrong group
	ch <- msgUpdate(-100, 7, "/ping") // configured group

	waitFor(t, func() bool { return len(ran) == 1 })
	select {
	case <-ran:
	default:
		t.Fatal("scoped command did not run")
	}
	if len(ran) != 0 {
		t.Fatal("out-of-scope command ran")
	}

	// Private chats always pass the scope check.
	up := msgUpdate(7, 7, "/ping")
	up.Message.IsPrivate = true
	ch <- up
	waitFor(t, func() bool { return len(ran) == 1 })
}

func TestHelpIsAlwaysRegistered(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(ad, collect.New(ad, logx.Nop()), logx.Nop())
	r.SetCommands([]Command{{Name: "ping", Description: "pong", Handle: func(ctx context.Context, req *Request) error { return nil }}})

	found := false
	for _, c := range r.MenuCommands() {
		if c.Command == "help" {
			found = true
		}
	}
	if !found {
		t.Fatal("help missing from menu commands")
	}
	if !strings.Contains(r.helpText(), "/ping") {
		t.Fatalf("help text missing command: %q", r.helpText())
	}
}

func TestUnknownCallbackAnswered(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	r := NewRouter(ad, collect.New(ad, logx.Nop()), logx.Nop())
	r.SetMembers(map[int64]bool{7: true})

	ch := startRouter(t, r)
	ch <- kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", FromID: 7, ChatID: 10, MessageID: 2, Data: "stale:click"},
	}

	waitFor(t, func() bool {
		ad.mu.Lock()
		defer ad.mu.Unlock()
		return len(ad.answers) == 1
	})
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if ad.answers[0] != "" {
		t.Fatalf("expected empty answer, got %q", ad.answers[0])
	}
}
