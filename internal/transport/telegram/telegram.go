// Package telegram adapts the Telegram Bot API (via telebot long polling)
// to the transport-neutral types the rest of the app consumes.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- kit.Update)

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Reported periodically, not per update.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
	http     *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:  cfg,
		log:  log.With(logx.String("comp", "telegram")),
		bot:  b,
		http: &http.Client{Timeout: 8 * time.Second},
	}
	// Seed the atomic.Value with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel; Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Chat == nil {
			return nil
		}
		up := kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				FromName:     displayName(m.Sender),
				Text:         m.Text,
				Mentions:     extractMentions(m),
				IsPrivate:    m.Private(),
			},
		}
		a.sendUpdate(up)
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || cb.Sender == nil || m == nil || m.Chat == nil {
			return nil
		}
		up := kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				FromID:    cb.Sender.ID,
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
				Data:      strings.TrimSpace(cb.Data),
			},
		}
		a.sendUpdate(up)
		return nil
	})
}

// extractMentions pulls mentioned users out of message entities.
// text_mention entities carry the user directly (for users without a
// public username); plain mention entities only give us "@name".
func extractMentions(m *tele.Message) []kit.Mention {
	if len(m.Entities) == 0 {
		return nil
	}
	var out []kit.Mention
	for _, e := range m.Entities {
		switch e.Type {
		case tele.EntityTMention:
			if e.User == nil {
				continue
			}
			out = append(out, kit.Mention{
				ID:       e.User.ID,
				Username: e.User.Username,
				Name:     displayName(e.User),
			})
		case tele.EntityMention:
			uname := strings.TrimPrefix(m.EntityText(e), "@")
			if uname == "" {
				continue
			}
			out = append(out, kit.Mention{Username: uname, Name: uname})
		}
	}
	return out
}

func displayName(u *tele.User) string {
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	done := a.done
	a.runMu.Unlock()

	var wg sync.WaitGroup

	// Periodic summary for dropped updates.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		report := func() {
			if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)",
					logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-runCtx.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-runCtx.Done()
		a.bot.Stop()
	}()

	// Telebot's Start() blocks until Stop(). In some failure modes it can
	// return early; restart with backoff while the context is live.
	wg.Add(1)
	go func() {
		defer wg.Done()
		backoff := 500 * time.Millisecond
		for {
			a.log.Info("polling started")
			start := time.Now()
			a.bot.Start()
			a.log.Info("polling stopped")

			if runCtx.Err() != nil {
				return
			}
			if time.Since(start) > time.Minute {
				backoff = 500 * time.Millisecond
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
		}
	}()

	go func() {
		wg.Wait()
		close(done)
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	// Keep shutdown snappy even if the long-poll is mid-wait.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		a.log.Warn("telegram stop timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks safe to send to
// Telegram. Prefers newline boundaries and avoids splitting inside HTML
// tags when ParseMode is HTML (best-effort).
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						cut = i + 1
						break
					}
				}
			}
			if cut != -1 {
				end = cut
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen := -1
			lastClose := -1
			for i := start; i < end; i++ {
				if rs[i] == '<' {
					lastOpen = i
				} else if rs[i] == '>' {
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
				if end <= start {
					end = start + limit
					if end > len(rs) {
						end = len(rs)
					}
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		out = append(out, chunk)

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		if err := ctxErr(ctx); err != nil {
			return first, err
		}

		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
		}
		// Markup goes on the first chunk only.
		if i == 0 && opt.ReplyMarkupAdapter != nil {
			if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
				sendOpt.ReplyMarkup = rm
			}
		}

		msg, err := a.bot.Send(chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	sendOpt := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
	if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
		sendOpt.ReplyMarkup = rm
	}

	if _, err := a.bot.Edit(m, chunks[0], sendOpt); err != nil {
		return err
	}

	// Overflow that no longer fits the edited message goes out as new messages.
	chat := &tele.Chat{ID: ref.ChatID}
	for _, chunk := range chunks[1:] {
		if err := ctxErr(ctx); err != nil {
			return err
		}
		over := &tele.SendOptions{ParseMode: opt.ParseMode, DisableWebPagePreview: opt.DisablePreview}
		if _, err := a.bot.Send(chat, chunk, over); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}})
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text})
}

// ResolveUser maps a public @username (without the "@") to a user ID.
func (a *Adapter) ResolveUser(ctx context.Context, username string) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return 0, errors.New("empty username")
	}
	chat, err := a.bot.ChatByUsername("@" + username)
	if err != nil {
		return 0, fmt.Errorf("resolve @%s: %w", username, err)
	}
	return chat.ID, nil
}

// SendPlain satisfies logx.TextSender so the log service can mirror
// entries into a chat without a parse mode.
func (a *Adapter) SendPlain(chatID int64, text string) error {
	for _, chunk := range splitTelegramText(text, telegramTextLimit, "") {
		if _, err := a.bot.Send(&tele.Chat{ID: chatID}, chunk, &tele.SendOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMenuCommands pushes the command menu (setMyCommands). Best-effort:
// only performs a network call when the list actually changes.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}

	type cmd struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	payload := struct {
		Commands []cmd `json:"commands"`
	}{Commands: make([]cmd, 0, len(cmds))}

	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256]
		}
		payload.Commands = append(payload.Commands, cmd{Command: c.Command, Description: d})
		if len(payload.Commands) >= 100 {
			break
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := "https://api.telegram.org/bot" + strings.TrimSpace(a.cfg.Token) + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.http
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode/100 != 2 || !out.OK {
		if out.Description != "" {
			return fmt.Errorf("setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
		}
		return fmt.Errorf("setMyCommands failed: http=%d", resp.StatusCode)
	}

	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(payload.Commands)))
	return nil
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
