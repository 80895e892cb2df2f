// Package collect implements short-lived, single-shot listeners for
// follow-up human events: a mention handshake and an inline pagination
// session. Both are scoped to one chat and one operator and expire after a
// bounded wait.
package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
	"polisbot/pkg/tgui"
)

// DefaultWait is the bounded window for both collector kinds.
const DefaultWait = 60 * time.Second

// ErrTimeout reports that no qualifying event arrived within the window.
var ErrTimeout = errors.New("collector timed out")

const pagerScope = "pager"

type Service struct {
	adapter kit.Adapter
	log     logx.Logger

	mu       sync.Mutex
	mentions []*mentionWaiter
	pages    map[pageKey]*pageSession
	closed   bool
}

func New(adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		adapter: adapter,
		log:     log,
		pages:   map[pageKey]*pageSession{},
	}
}

// Close expires every live collector. In-flight waits observe ErrTimeout.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	waiters := s.mentions
	s.mentions = nil
	sessions := s.pages
	s.pages = map[pageKey]*pageSession{}
	s.mu.Unlock()

	for _, w := range waiters {
		close(w.got)
	}
	for _, ps := range sessions {
		ps.idle.Stop()
	}
}

// ---- Mention collector ----

type mentionWaiter struct {
	chatID int64
	fromID int64
	got    chan mentionHit
	once   sync.Once
}

type mentionHit struct {
	target  kit.Mention
	trigger kit.MessageRef
}

// AwaitMention blocks until the operator (fromID) posts a message in chatID
// mentioning at least one other identity, or the window elapses.
// Exactly one qualifying message is consumed; the triggering message is
// removed best-effort to avoid channel clutter.
func (s *Service) AwaitMention(ctx context.Context, chatID, fromID int64, wait time.Duration) (kit.Mention, error) {
	if wait <= 0 {
		wait = DefaultWait
	}

	w := &mentionWaiter{chatID: chatID, fromID: fromID, got: make(chan mentionHit, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return kit.Mention{}, ErrTimeout
	}
	s.mentions = append(s.mentions, w)
	s.mu.Unlock()
	defer s.removeMention(w)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case hit, ok := <-w.got:
		if !ok {
			return kit.Mention{}, ErrTimeout
		}
		// Best-effort cleanup; a failed delete never fails the handshake.
		if err := s.adapter.DeleteMessage(ctx, hit.trigger); err != nil {
			s.log.Debug("trigger message delete failed", logx.Err(err))
		}
		return hit.target, nil
	case <-timer.C:
		return kit.Mention{}, ErrTimeout
	case <-ctx.Done():
		return kit.Mention{}, ctx.Err()
	}
}

func (s *Service) removeMention(w *mentionWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.mentions {
		if cur == w {
			s.mentions = append(s.mentions[:i], s.mentions[i+1:]...)
			return
		}
	}
}

// ---- Pagination collector ----

type pageKey struct {
	chatID    int64
	messageID int
}

type pageSession struct {
	svc     *Service
	key     pageKey
	ownerID int64
	texts   []string
	opt    func(markup *tgui.Inline) *kit.SendOptions
	cursor int
	idle   *time.Timer
}

// AttachPager turns an already-sent message into an interactive paged view.
// Only the owner's clicks qualify; the cursor wraps modulo page count; the
// session expires silently after the idle window.
func (s *Service) AttachPager(ref kit.MessageRef, ownerID int64, texts []string, opt func(markup *tgui.Inline) *kit.SendOptions, idle time.Duration) {
	if len(texts) < 2 {
		return
	}
	if idle <= 0 {
		idle = DefaultWait
	}
	key := pageKey{chatID: ref.ChatID, messageID: ref.MessageID}
	ps := &pageSession{svc: s, key: key, ownerID: ownerID, texts: texts, opt: opt}
	ps.idle = time.AfterFunc(idle, func() { s.expirePager(key) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ps.idle.Stop()
		return
	}
	s.pages[key] = ps
	s.mu.Unlock()
}

// PagerMarkup builds the nav keyboard. Previous appears only after the
// first click.
func PagerMarkup(afterFirstClick bool) *tgui.Inline {
	kb := tgui.NewInline()
	if afterFirstClick {
		kb.Row(
			tgui.Btn("◀ Prev", tgui.Data(pagerScope, "prev", "")),
			tgui.Btn("Next ▶", tgui.Data(pagerScope, "next", "")),
		)
	} else {
		kb.Row(tgui.Btn("Next ▶", tgui.Data(pagerScope, "next", "")))
	}
	return kb
}

func (s *Service) expirePager(key pageKey) {
	s.mu.Lock()
	delete(s.pages, key)
	s.mu.Unlock()
	// No expiry notice: the paged view just stops responding.
}

// ---- Event intake ----

// Offer routes an update to a live collector. It reports whether the update
// was consumed (and should not be dispatched as a command).
func (s *Service) Offer(ctx context.Context, up kit.Update) bool {
	switch up.Kind {
	case kit.UpdateMessage:
		return s.offerMessage(up.Message)
	case kit.UpdateCallback:
		return s.offerCallback(ctx, up.Callback)
	}
	return false
}

func (s *Service) offerMessage(m *kit.Message) bool {
	if m == nil || len(m.Mentions) == 0 {
		return false
	}

	var target kit.Mention
	found := false
	for _, mn := range m.Mentions {
		// Self-mentions don't qualify, by ID or by @username.
		if mn.ID != 0 && mn.ID == m.FromID {
			continue
		}
		if mn.ID == 0 && mn.Username != "" && strings.EqualFold(mn.Username, m.FromUsername) {
			continue
		}
		target = mn
		found = true
		break
	}
	if !found {
		return false
	}

	s.mu.Lock()
	var w *mentionWaiter
	for _, cur := range s.mentions {
		if cur.chatID == m.ChatID && cur.fromID == m.FromID {
			w = cur
			break
		}
	}
	s.mu.Unlock()
	if w == nil {
		return false
	}

	consumed := false
	w.once.Do(func() {
		w.got <- mentionHit{
			target:  target,
			trigger: kit.MessageRef{ChatID: m.ChatID, MessageID: m.ID},
		}
		consumed = true
	})
	return consumed
}

func (s *Service) offerCallback(ctx context.Context, cb *kit.Callback) bool {
	if cb == nil {
		return false
	}
	scope, action, _ := tgui.SplitData(cb.Data)
	if scope != pagerScope {
		return false
	}

	key := pageKey{chatID: cb.ChatID, messageID: cb.MessageID}
	s.mu.Lock()
	ps := s.pages[key]
	s.mu.Unlock()
	if ps == nil {
		// Expired session: swallow the click so the spinner clears.
		_ = s.adapter.AnswerCallback(ctx, cb.ID, "")
		return true
	}

	if cb.FromID != ps.ownerID {
		_ = s.adapter.AnswerCallback(ctx, cb.ID, "This view belongs to someone else.")
		return true
	}

	switch action {
	case "next":
		ps.cursor = (ps.cursor + 1) % len(ps.texts)
	case "prev":
		ps.cursor = (ps.cursor - 1 + len(ps.texts)) % len(ps.texts)
	default:
		_ = s.adapter.AnswerCallback(ctx, cb.ID, "")
		return true
	}
	ps.idle.Reset(DefaultWait)

	opt := ps.opt(PagerMarkup(true))
	ref := kit.MessageRef{ChatID: key.chatID, MessageID: key.messageID}
	if err := s.adapter.EditText(ctx, ref, ps.texts[ps.cursor], opt); err != nil {
		s.log.Warn("page edit failed", logx.Err(err), logx.Int64("chat_id", key.chatID))
	}
	_ = s.adapter.AnswerCallback(ctx, cb.ID, pageTag(ps.cursor, len(ps.texts)))
	return true
}

func pageTag(cursor, total int) string {
	return fmt.Sprintf("Page %d/%d", cursor+1, total)
}
