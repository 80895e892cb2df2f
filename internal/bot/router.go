// Package bot dispatches incoming chat updates: collectors get first
// claim, then slash commands are parsed, role-gated, and run on a
// bounded worker pool.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"polisbot/internal/collect"
	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
	"polisbot/pkg/tgui"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

type Command struct {
	Name        string // without the leading slash
	Description string
	Usage       string
	Handle      HandlerFunc
}

type Request struct {
	Update   kit.Update
	Chat     kit.ChatTarget
	FromID   int64
	FromName string
	Command  string   // command name, or callback action
	Args     []string // message tokens after the command
	Payload  string   // callback payload

	Adapter kit.Adapter
	Log     logx.Logger
}

const deniedReply = "You are not authorized to use this command."

type Router struct {
	adapter    kit.Adapter
	collectors *collect.Service
	log        logx.Logger

	mu        sync.RWMutex
	cmds      map[string]Command
	order     []string
	callbacks map[string]HandlerFunc // callback scope -> handler
	members   map[int64]bool
	group     int64 // workspace chat scope; 0 accepts any group
	mw        []Middleware

	jobs chan func()
}

func NewRouter(adapter kit.Adapter, collectors *collect.Service, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		adapter:    adapter,
		collectors: collectors,
		log:        log.With(logx.String("comp", "router")),
		cmds:       map[string]Command{},
		callbacks:  map[string]HandlerFunc{},
		members:    map[int64]bool{},
		jobs:       make(chan func(), 256),
	}
}

func (r *Router) Use(mw ...Middleware) {
	r.mu.Lock()
	r.mw = append(r.mw, mw...)
	r.mu.Unlock()
}

// SetCommands replaces the command registry. A help command is always
// injected.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Description: "show available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, r.helpText(), &kit.SendOptions{
				ParseMode:      "HTML",
				DisablePreview: true,
			})
			return err
		},
	})

	m := make(map[string]Command, len(cmds))
	order := make([]string, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := m[name]; dup {
			continue
		}
		m[name] = c
		order = append(order, name)
	}
	sort.Strings(order)

	r.mu.Lock()
	r.cmds = m
	r.order = order
	r.mu.Unlock()
}

// HandleCallback registers a handler for one callback scope
// ("scope:action:payload" data).
func (r *Router) HandleCallback(scope string, fn HandlerFunc) {
	r.mu.Lock()
	r.callbacks[scope] = fn
	r.mu.Unlock()
}

// SetMembers replaces the authorized-user set. Safe during hot reload.
func (r *Router) SetMembers(members map[int64]bool) {
	cp := make(map[int64]bool, len(members))
	for id, ok := range members {
		if ok {
			cp[id] = true
		}
	}
	r.mu.Lock()
	r.members = cp
	r.mu.Unlock()
}

// SetGroupScope restricts group commands to one chat. Private chats with
// authorized operators are always accepted.
func (r *Router) SetGroupScope(chatID int64) {
	r.mu.Lock()
	r.group = chatID
	r.mu.Unlock()
}

func (r *Router) inScope(msg *kit.Message) bool {
	if msg.IsPrivate {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.group == 0 || r.group == msg.ChatID
}

func (r *Router) authorized(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[userID]
}

// MenuCommands lists the registry in menu form, sorted by name.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, kit.BotCommand{Command: name, Description: r.cmds[name].Description})
	}
	return out
}

func (r *Router) helpText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	b.WriteString(tgui.B("Commands").String())
	for _, name := range r.order {
		c := r.cmds[name]
		b.WriteString("\n")
		b.WriteString(tgui.Code("/" + name).String())
		if c.Description != "" {
			b.WriteString(" " + tgui.Esc(c.Description).String())
		}
		if c.Usage != "" && c.Usage != "/"+name {
			b.WriteString("\n  " + tgui.I(c.Usage).String())
		}
	}
	return b.String()
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	r.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Error("panic in dispatch worker",
						logx.Any("panic", rec),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	// Live collectors claim their follow-up events before command parsing.
	if r.collectors != nil && r.collectors.Offer(ctx, up) {
		return
	}
	switch up.Kind {
	case kit.UpdateMessage:
		r.routeMessage(ctx, up)
	case kit.UpdateCallback:
		r.routeCallback(ctx, up)
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	if !r.inScope(msg) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(name)

	r.mu.RLock()
	cmd, ok := r.cmds[name]
	mw := r.mw
	r.mu.RUnlock()
	if !ok {
		return
	}

	req := &Request{
		Update:   up,
		Chat:     kit.ChatTarget{ChatID: msg.ChatID},
		FromID:   msg.FromID,
		FromName: msg.FromName,
		Command:  name,
		Args:     fields[1:],
		Adapter:  r.adapter,
		Log:      r.log.With(logx.String("cmd", name), logx.Int64("from", msg.FromID)),
	}

	if !r.authorized(req.FromID) {
		r.enqueue(func() {
			_, _ = r.adapter.SendText(ctx, req.Chat, deniedReply, nil)
		})
		return
	}

	h := Chain(cmd.Handle, mw...)
	r.enqueue(func() { _ = h(ctx, req) })
}

func (r *Router) routeCallback(ctx context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	scope, action, payload := tgui.SplitData(cb.Data)

	r.mu.RLock()
	fn := r.callbacks[scope]
	mw := r.mw
	r.mu.RUnlock()
	if fn == nil {
		// Unknown or stale button: clear the client spinner and move on.
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: action,
		Payload: payload,
		Adapter: r.adapter,
		Log:     r.log.With(logx.String("cb", scope+":"+action), logx.Int64("from", cb.FromID)),
	}

	if !r.authorized(req.FromID) {
		r.enqueue(func() {
			_ = r.adapter.AnswerCallback(ctx, cb.ID, deniedReply)
		})
		return
	}

	h := Chain(fn, mw...)
	r.enqueue(func() { _ = h(ctx, req) })
}

func (r *Router) enqueue(job func()) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("dispatch queue full, dropping update")
	}
}
