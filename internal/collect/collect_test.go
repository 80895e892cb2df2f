package collect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
	"polisbot/pkg/tgui"
)

type fakeAdapter struct {
	mu       sync.Mutex
	deleted  []kit.MessageRef
	edits    []string
	answers  []string
	editErr  error
	resolved map[string]int64
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return f.editErr
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) ResolveUser(ctx context.Context, username string) (int64, error) {
	if id, ok := f.resolved[username]; ok {
		return id, nil
	}
	return 0, errors.New("unknown username")
}

func mentionMsg(chatID, fromID int64, mentions ...kit.Mention) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:       99,
			ChatID:   chatID,
			FromID:   fromID,
			Text:     "send it to them",
			Mentions: mentions,
		},
	}
}

func TestAwaitMentionConsumesOneQualifyingMessage(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(ad, logx.Nop())
	ctx := context.Background()

	type result struct {
		m   kit.Mention
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := svc.AwaitMention(ctx, 10, 20, time.Second)
		done <- result{m, err}
	}()

	// Give the waiter a moment to register.
	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		n := len(svc.mentions)
		svc.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Wrong operator: ignored.
	if svc.Offer(ctx, mentionMsg(10, 999, kit.Mention{ID: 7})) {
		t.Fatal("message from wrong operator was consumed")
	}
	// Right operator, no mentions: ignored.
	if svc.Offer(ctx, kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 10, FromID: 20, Text: "plain"}}) {
		t.Fatal("mention-free message was consumed")
	}
	// Self-mention only: ignored.
	if svc.Offer(ctx, mentionMsg(10, 20, kit.Mention{ID: 20})) {
		t.Fatal("self-mention was consumed")
	}
	// Qualifying message.
	if !svc.Offer(ctx, mentionMsg(10, 20, kit.Mention{ID: 77, Username: "driver"})) {
		t.Fatal("qualifying message was not consumed")
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("AwaitMention error: %v", res.err)
	}
	if res.m.ID != 77 {
		t.Fatalf("target = %+v, want ID 77", res.m)
	}

	// Trigger message removed best-effort.
	ad.mu.Lock()
	deleted := len(ad.deleted)
	ad.mu.Unlock()
	if deleted != 1 {
		t.Fatalf("trigger deletes = %d, want 1", deleted)
	}

	// Collector is single-shot: a second mention is not consumed.
	if svc.Offer(ctx, mentionMsg(10, 20, kit.Mention{ID: 88})) {
		t.Fatal("second mention consumed after collector resolved")
	}
}

func TestAwaitMentionIgnoresOwnUsername(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(ad, logx.Nop())
	ctx := context.Background()

	type result struct {
		m   kit.Mention
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := svc.AwaitMention(ctx, 10, 20, time.Second)
		done <- result{m, err}
	}()

	deadline := time.Now().Add(time.Second)
	for {
		svc.mu.Lock()
		n := len(svc.mentions)
		svc.mu.Unlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	selfByName := mentionMsg(10, 20, kit.Mention{Username: "Ops"})
	selfByName.Message.FromUsername = "ops"
	if svc.Offer(ctx, selfByName) {
		t.Fatal("operator's own @username was consumed as a target")
	}

	other := mentionMsg(10, 20, kit.Mention{Username: "driver"})
	other.Message.FromUsername = "ops"
	if !svc.Offer(ctx, other) {
		t.Fatal("username mention of another user was not consumed")
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("AwaitMention error: %v", res.err)
	}
	if res.m.Username != "driver" {
		t.Fatalf("target = %+v, want username driver", res.m)
	}
}

func TestAwaitMentionTimeout(t *testing.T) {
	t.Parallel()
	svc := New(&fakeAdapter{}, logx.Nop())

	start := time.Now()
	_, err := svc.AwaitMention(context.Background(), 10, 20, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("returned before the window elapsed")
	}
}

func pagerOpt(kb *tgui.Inline) *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: kb.Markup()}
}

func pagerClick(chatID int64, msgID int, fromID int64, action string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateCallback,
		Callback: &kit.Callback{
			ID:        "cb1",
			ChatID:    chatID,
			MessageID: msgID,
			FromID:    fromID,
			Data:      tgui.Data("pager", action, ""),
		},
	}
}

func TestPagerSessionWrapsAndGuardsOwner(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(ad, logx.Nop())
	ctx := context.Background()

	ref := kit.MessageRef{ChatID: 10, MessageID: 5}
	svc.AttachPager(ref, 20, []string{"page one", "page two", "page three"}, pagerOpt, time.Minute)

	// Stranger's click is consumed but rejected.
	if !svc.Offer(ctx, pagerClick(10, 5, 999, "next")) {
		t.Fatal("stranger click not consumed")
	}
	ad.mu.Lock()
	if len(ad.edits) != 0 {
		t.Fatalf("stranger click caused an edit: %v", ad.edits)
	}
	ad.mu.Unlock()

	// Owner pages forward through the wrap.
	wantSeq := []string{"page two", "page three", "page one"}
	for range wantSeq {
		if !svc.Offer(ctx, pagerClick(10, 5, 20, "next")) {
			t.Fatal("owner click not consumed")
		}
	}
	// Then one step back.
	if !svc.Offer(ctx, pagerClick(10, 5, 20, "prev")) {
		t.Fatal("owner prev click not consumed")
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	got := ad.edits
	want := append(wantSeq, "page three")
	if len(got) != len(want) {
		t.Fatalf("edits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("edit %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPagerSinglePageNotAttached(t *testing.T) {
	t.Parallel()
	svc := New(&fakeAdapter{}, logx.Nop())
	svc.AttachPager(kit.MessageRef{ChatID: 10, MessageID: 5}, 20, []string{"only page"}, pagerOpt, time.Minute)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.pages) != 0 {
		t.Fatal("single-page view should not get a session")
	}
}

func TestPagerExpiresSilently(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	svc := New(ad, logx.Nop())
	ctx := context.Background()

	ref := kit.MessageRef{ChatID: 10, MessageID: 5}
	svc.AttachPager(ref, 20, []string{"a", "b"}, pagerOpt, 20*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	// Click after expiry: swallowed, no edit, no notice.
	if !svc.Offer(ctx, pagerClick(10, 5, 20, "next")) {
		t.Fatal("post-expiry click should still be swallowed")
	}
	ad.mu.Lock()
	defer ad.mu.Unlock()
	if len(ad.edits) != 0 {
		t.Fatalf("expired session edited the message: %v", ad.edits)
	}
}
