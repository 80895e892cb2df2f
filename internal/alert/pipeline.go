// Package alert builds urgency pages from the record store and fans them
// out to the delivery sinks: the configured alert channel and direct
// messages. One page algorithm serves all three triggers (scheduled,
// manual, DM); they differ only in selection and sink.
package alert

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"polisbot/internal/registry"
	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
	"polisbot/pkg/tgui"
)

// ExpiringWithinDays is the selection cutoff for alert scans:
// URGENT and EXPIRED tiers (daysLeft <= 3).
const ExpiringWithinDays = 3

// DeliveryError reports a failed page send. Pages already delivered stay
// delivered; the remaining pages of the sequence are aborted.
type DeliveryError struct {
	Page  int
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed at page %d/%d: %v", e.Page, e.Total, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config holds the pipeline's fixed wiring.
type Config struct {
	ChannelID int64          // alert channel; 0 disables channel delivery
	Mention   string         // preamble text on page 1 of channel alerts, e.g. "@fleetops"
	PageSize  int            // records per page; defaults to registry.DefaultPageSize
	Location  *time.Location // zone for all date arithmetic and rendering
}

// Pipeline is built with explicit dependencies so it stays testable without
// a live platform connection.
type Pipeline struct {
	store   registry.Store
	adapter kit.Adapter
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger

	now func() time.Time
}

func New(store registry.Store, adapter kit.Adapter, cfg Config, log logx.Logger) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = registry.DefaultPageSize
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		store:   store,
		adapter: adapter,
		cfg:     cfg,
		// Telegram tolerates ~1 msg/s per chat sustained; pace page bursts.
		limiter: rate.NewLimiter(rate.Every(700*time.Millisecond), 1),
		log:     log,
		now:     time.Now,
	}
}

// RunScheduled fires from the daily trigger. An empty selection is a
// silent no-op: log only, no "all clear" post on this path.
func (p *Pipeline) RunScheduled(ctx context.Context) error {
	recs, now, err := p.selectExpiring(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		p.log.Info("scheduled alert: nothing expiring", logx.Time("at", now))
		return nil
	}
	return p.deliverChannel(ctx, recs, now, "daily schedule")
}

// RunManual fires on operator demand. It reports how many records
// qualified; zero means the caller should reply all-clear (this path,
// unlike the scheduled one, has an empty-state response).
func (p *Pipeline) RunManual(ctx context.Context) (int, error) {
	recs, now, err := p.selectExpiring(ctx)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := p.deliverChannel(ctx, recs, now, "manual trigger"); err != nil {
		return len(recs), err
	}
	return len(recs), nil
}

// DeliverDM sends the registry (full or expiring-only) as direct messages
// to userID. The expiring-only variant additionally mirrors page 1 to the
// alert channel when one is configured.
func (p *Pipeline) DeliverDM(ctx context.Context, userID int64, expiringOnly bool) (int, error) {
	var (
		recs  []registry.Record
		now   time.Time
		title string
		err   error
	)
	if expiringOnly {
		recs, now, err = p.selectExpiring(ctx)
		title = "Insurance expiry alert"
	} else {
		now = p.now()
		recs, err = p.store.ListAll(ctx, true)
		title = "Insurance registry"
	}
	if err != nil {
		return 0, err
	}

	to := kit.ChatTarget{ChatID: userID}
	if len(recs) == 0 {
		text := tgui.B(title).String() + "\n" + tgui.I("No records to report.").String()
		if _, err := p.adapter.SendText(ctx, to, text, htmlOpt()); err != nil {
			return 0, &DeliveryError{Page: 1, Total: 1, Err: err}
		}
		return 0, nil
	}

	view := registry.View{
		Title:  title,
		Origin: "direct message",
		Count:  len(recs),
		Now:    now,
		Loc:    p.cfg.Location,
	}
	pages := registry.Paginate(recs, p.cfg.PageSize)
	if err := p.deliver(ctx, to, pages, view); err != nil {
		return len(recs), err
	}

	// Channel mirror: page 1 only, channel-post format with preamble.
	if expiringOnly && p.cfg.ChannelID != 0 {
		mirror := view
		mirror.Origin = "manual trigger"
		mirror.MentionHTML = p.mentionHTML()
		text := registry.RenderPage(pages[0], mirror)
		if _, err := p.adapter.SendText(ctx, kit.ChatTarget{ChatID: p.cfg.ChannelID}, text, htmlOpt()); err != nil {
			return len(recs), &DeliveryError{Page: 1, Total: 1, Err: err}
		}
	}
	return len(recs), nil
}

// selectExpiring snapshots the store and keeps URGENT/EXPIRED records,
// re-sorted by ascending expiry so the most urgent lead page 1.
func (p *Pipeline) selectExpiring(ctx context.Context) ([]registry.Record, time.Time, error) {
	now := p.now()
	all, err := p.store.ListAll(ctx, false)
	if err != nil {
		return nil, now, fmt.Errorf("alert scan: %w", err)
	}
	out := all[:0:0]
	for _, rec := range all {
		if registry.DaysLeft(rec.ExpiresAt, now, p.cfg.Location) <= ExpiringWithinDays {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, now, nil
}

func (p *Pipeline) deliverChannel(ctx context.Context, recs []registry.Record, now time.Time, origin string) error {
	view := registry.View{
		Title:       "Insurance expiry alert",
		Origin:      origin,
		MentionHTML: p.mentionHTML(),
		Count:       len(recs),
		Now:         now,
		Loc:         p.cfg.Location,
	}
	pages := registry.Paginate(recs, p.cfg.PageSize)
	to := kit.ChatTarget{ChatID: p.cfg.ChannelID}
	if err := p.deliver(ctx, to, pages, view); err != nil {
		return err
	}
	p.log.Info("alert delivered",
		logx.String("origin", origin),
		logx.Int("records", len(recs)),
		logx.Int("pages", len(pages)))
	return nil
}

// deliver sends pages sequentially in page order. A mid-sequence failure
// aborts the rest; earlier pages stay sent.
func (p *Pipeline) deliver(ctx context.Context, to kit.ChatTarget, pages []registry.Page, view registry.View) error {
	for _, page := range pages {
		if err := p.limiter.Wait(ctx); err != nil {
			return &DeliveryError{Page: page.Index, Total: page.Total, Err: err}
		}
		text := registry.RenderPage(page, view)
		if _, err := p.adapter.SendText(ctx, to, text, htmlOpt()); err != nil {
			return &DeliveryError{Page: page.Index, Total: page.Total, Err: err}
		}
	}
	return nil
}

func (p *Pipeline) mentionHTML() tgui.H {
	if p.cfg.Mention == "" {
		return ""
	}
	return tgui.Esc(p.cfg.Mention)
}

func htmlOpt() *kit.SendOptions {
	return &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
}
