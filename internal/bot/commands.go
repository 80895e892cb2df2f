package bot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"polisbot/internal/alert"
	"polisbot/internal/collect"
	"polisbot/internal/config"
	"polisbot/internal/registry"
	kit "polisbot/internal/transport"
	"polisbot/pkg/logx"
	"polisbot/pkg/tgui"
)

const expiryFormat = "02 Jan 2006"

// Handlers binds the command surface to its collaborators. Everything is
// injected so handlers stay testable against fakes.
type Handlers struct {
	Store      registry.Store
	Pipeline   *alert.Pipeline
	Collectors *collect.Service
	Cfg        func() *config.Config
	Log        logx.Logger
	Now        func() time.Time
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) loc() *time.Location {
	if cfg := h.Cfg(); cfg != nil {
		if loc, err := cfg.Location(); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (h *Handlers) pageSize() int {
	if cfg := h.Cfg(); cfg != nil && cfg.Alert.PageSize > 0 {
		return cfg.Alert.PageSize
	}
	return registry.DefaultPageSize
}

// Commands returns the full command surface.
func (h *Handlers) Commands() []Command {
	return []Command{
		{
			Name:        "register",
			Description: "register a new insurance record",
			Usage:       "/register <vehicle name> <plate> <days-valid>",
			Handle:      h.Register,
		},
		{
			Name:        "extend",
			Description: "extend a record's validity",
			Usage:       "/extend <plate> <days>",
			Handle:      h.Extend,
		},
		{
			Name:        "reduce",
			Description: "reduce a record's validity",
			Usage:       "/reduce <plate> <days>",
			Handle:      h.Reduce,
		},
		{
			Name:        "list",
			Description: "browse the full registry",
			Usage:       "/list",
			Handle:      h.List,
		},
		{
			Name:        "alertnow",
			Description: "post the expiry alert to the channel now",
			Usage:       "/alertnow",
			Handle:      h.AlertNow,
		},
		{
			Name:        "dmlist",
			Description: "DM the full registry to a mentioned user",
			Usage:       "/dmlist (then mention the recipient)",
			Handle:      h.DMList,
		},
		{
			Name:        "dmalert",
			Description: "DM the expiring records to a mentioned user",
			Usage:       "/dmalert (then mention the recipient)",
			Handle:      h.DMAlert,
		},
		{
			Name:        "remove",
			Description: "permanently delete a record",
			Usage:       "/remove <plate> <password>",
			Handle:      h.Remove,
		},
	}
}

func replyHTML(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{
		ParseMode:      "HTML",
		DisablePreview: true,
	})
	return err
}

func usageReply(ctx context.Context, req *Request, usage string) error {
	return replyHTML(ctx, req, "Usage: "+tgui.Code(usage).String())
}

// Register creates a record; expiry = now + days-valid.
func (h *Handlers) Register(ctx context.Context, req *Request) error {
	if len(req.Args) < 3 {
		return usageReply(ctx, req, "/register <vehicle name> <plate> <days-valid>")
	}
	days, err := strconv.Atoi(req.Args[len(req.Args)-1])
	if err != nil || days < 1 {
		return replyHTML(ctx, req, "Days valid must be a whole number of at least 1.")
	}
	plate := req.Args[len(req.Args)-2]
	name := strings.Join(req.Args[:len(req.Args)-2], " ")

	rec, err := registry.NewRecord(name, plate, days, req.FromName, h.now(), h.loc())
	if err != nil {
		return replyHTML(ctx, req, tgui.Esc(err.Error()).String())
	}
	if err := h.Store.Create(ctx, rec); err != nil {
		if errors.Is(err, registry.ErrDuplicatePlate) {
			return replyHTML(ctx, req, fmt.Sprintf(
				"Plate %s is already registered.", tgui.Code(rec.PlateID)))
		}
		return replyHTML(ctx, req, "Could not save the record. Try again.")
	}

	left, tier := registry.Classify(rec, h.now(), h.loc())
	return replyHTML(ctx, req, fmt.Sprintf("%s Registered %s\nPlate: %s\nExpiry: %s (%d day(s) left)",
		tier.Emoji(),
		tgui.B(rec.VehicleName),
		tgui.Code(rec.PlateID),
		rec.ExpiresAt.In(h.loc()).Format(expiryFormat),
		left,
	))
}

// Extend adds validity; unbounded.
func (h *Handlers) Extend(ctx context.Context, req *Request) error {
	plate, days, err := parseAdjustArgs(req.Args)
	if err != nil {
		return usageReply(ctx, req, "/extend <plate> <days>")
	}
	return h.adjust(ctx, req, plate, days, actionExtend)
}

// Reduce subtracts validity; a reduction that would leave the record
// already expired is rejected.
func (h *Handlers) Reduce(ctx context.Context, req *Request) error {
	plate, days, err := parseAdjustArgs(req.Args)
	if err != nil {
		return usageReply(ctx, req, "/reduce <plate> <days>")
	}
	return h.adjust(ctx, req, plate, -days, actionReduce)
}

func parseAdjustArgs(args []string) (plate string, days int, err error) {
	if len(args) != 2 {
		return "", 0, errors.New("want <plate> <days>")
	}
	days, err = strconv.Atoi(args[1])
	if err != nil || days < 1 {
		return "", 0, errors.New("days must be >= 1")
	}
	return args[0], days, nil
}

// adjust runs the shared extend/reduce flow; on an unknown plate it offers
// suggestions instead of a bare failure.
func (h *Handlers) adjust(ctx context.Context, req *Request, plate string, deltaDays int, action string) error {
	rec, err := h.Store.FindByPlate(ctx, plate)
	if errors.Is(err, registry.ErrNotFound) {
		return h.offerSuggestions(ctx, req, action, plate, strconv.Itoa(abs(deltaDays)))
	}
	if err != nil {
		return replyHTML(ctx, req, "Lookup failed. Try again.")
	}

	text, err := h.applyAdjustment(ctx, rec, deltaDays)
	if err != nil {
		return err
	}
	return replyHTML(ctx, req, text)
}

// applyAdjustment mutates the record's expiry and returns the outcome as
// render-ready HTML; a rejected reduction is an outcome, not an error.
func (h *Handlers) applyAdjustment(ctx context.Context, rec registry.Record, deltaDays int) (string, error) {
	now := h.now()
	loc := h.loc()

	next, err := registry.PlanAdjustment(rec, deltaDays, now, loc)
	var adj *registry.AdjustmentError
	if errors.As(err, &adj) {
		return fmt.Sprintf("Reduction rejected for %s:\ncurrent expiry %s, requested %s would be %d day(s) past expiry.",
			tgui.Code(adj.Plate),
			adj.OldExpiry.In(loc).Format(expiryFormat),
			adj.NewExpiry.In(loc).Format(expiryFormat),
			-adj.DaysLeft,
		), nil
	}
	if err != nil {
		return "", err
	}

	if err := h.Store.UpdateExpiry(ctx, rec.PlateID, next, now); err != nil {
		return "Could not update the record. Try again.", nil
	}

	left := registry.DaysLeft(next, now, loc)
	tier := registry.ClassifyDays(left)
	verb := "Extended"
	if deltaDays < 0 {
		verb = "Reduced"
	}
	return fmt.Sprintf("%s %s %s by %d day(s).\nNew expiry: %s (%d day(s) left)",
		tier.Emoji(), verb, tgui.Code(rec.PlateID), abs(deltaDays),
		next.In(loc).Format(expiryFormat), left,
	), nil
}

// List sends the paginated registry view with interactive paging when it
// spans more than one page. The paging buttons answer only to the invoker.
func (h *Handlers) List(ctx context.Context, req *Request) error {
	recs, err := h.Store.ListAll(ctx, true)
	if err != nil {
		return replyHTML(ctx, req, "Could not read the registry. Try again.")
	}
	if len(recs) == 0 {
		return replyHTML(ctx, req, tgui.I("The registry is empty.").String())
	}

	now := h.now()
	loc := h.loc()
	view := registry.View{
		Title:  "Insurance registry",
		Origin: "list command",
		Count:  len(recs),
		Now:    now,
		Loc:    loc,
	}
	pages := registry.Paginate(recs, h.pageSize())
	texts := make([]string, len(pages))
	for i, p := range pages {
		texts[i] = registry.RenderPage(p, view)
	}

	optFor := func(markup *tgui.Inline) *kit.SendOptions {
		opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
		if markup != nil {
			opt.ReplyMarkupAdapter = markup.Markup()
		}
		return opt
	}

	var markup *tgui.Inline
	if len(texts) > 1 {
		markup = collect.PagerMarkup(false)
	}
	ref, err := req.Adapter.SendText(ctx, req.Chat, texts[0], optFor(markup))
	if err != nil {
		return err
	}
	h.Collectors.AttachPager(ref, req.FromID, texts, optFor, collect.DefaultWait)
	return nil
}

// AlertNow triggers the manual channel alert. Unlike the daily schedule,
// an empty selection gets an explicit all-clear reply here.
func (h *Handlers) AlertNow(ctx context.Context, req *Request) error {
	n, err := h.Pipeline.RunManual(ctx)
	if err != nil {
		var de *alert.DeliveryError
		if errors.As(err, &de) {
			return replyHTML(ctx, req, fmt.Sprintf(
				"Alert delivery failed at page %d/%d. Earlier pages were posted.", de.Page, de.Total))
		}
		return replyHTML(ctx, req, "Alert scan failed. Try again.")
	}
	if n == 0 {
		return replyHTML(ctx, req, fmt.Sprintf(
			"✅ All clear. Nothing expires within %d days.", alert.ExpiringWithinDays))
	}
	return replyHTML(ctx, req, fmt.Sprintf("Alert posted to the channel (%d record(s)).", n))
}

func (h *Handlers) DMList(ctx context.Context, req *Request) error {
	return h.dmFlow(ctx, req, false)
}

func (h *Handlers) DMAlert(ctx context.Context, req *Request) error {
	return h.dmFlow(ctx, req, true)
}

// dmFlow runs the mention handshake then delivers the registry as a DM.
func (h *Handlers) dmFlow(ctx context.Context, req *Request, expiringOnly bool) error {
	what := "full registry"
	if expiringOnly {
		what = "expiring records"
	}
	ref, err := req.Adapter.SendText(ctx, req.Chat,
		fmt.Sprintf("Mention the recipient of the %s within 60 seconds.", what), nil)
	if err != nil {
		return err
	}

	target, err := h.Collectors.AwaitMention(ctx, req.Chat.ChatID, req.FromID, collect.DefaultWait)
	if errors.Is(err, collect.ErrTimeout) {
		return req.Adapter.EditText(ctx, ref,
			"Cancelled: no mention received within 60 seconds.", nil)
	}
	if err != nil {
		return err
	}

	userID := target.ID
	if userID == 0 {
		userID, err = req.Adapter.ResolveUser(ctx, target.Username)
		if err != nil {
			return req.Adapter.EditText(ctx, ref, fmt.Sprintf(
				"Could not resolve @%s to a user.", target.Username), nil)
		}
	}

	n, err := h.Pipeline.DeliverDM(ctx, userID, expiringOnly)
	if err != nil {
		req.Log.Warn("dm delivery failed", logx.Int64("target", userID), logx.Err(err))
		return req.Adapter.EditText(ctx, ref,
			"Delivery failed. The recipient may have direct messages disabled.", nil)
	}
	name := target.Name
	if name == "" {
		name = "@" + target.Username
	}
	done := fmt.Sprintf("Sent %d record(s) to %s.", n, tgui.B(name))
	if n == 0 {
		done = fmt.Sprintf("Nothing to report; sent an empty-state notice to %s.", tgui.B(name))
	}
	return req.Adapter.EditText(ctx, ref, done, &kit.SendOptions{ParseMode: "HTML"})
}

// Remove deletes a record behind the shared removal password.
func (h *Handlers) Remove(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return usageReply(ctx, req, "/remove <plate> <password>")
	}
	plate, password := req.Args[0], req.Args[1]

	want := ""
	if cfg := h.Cfg(); cfg != nil {
		want = cfg.Auth.RemovePassword
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(want)) != 1 {
		return replyHTML(ctx, req, "Removal password incorrect.")
	}

	rec, err := h.Store.Delete(ctx, plate)
	if errors.Is(err, registry.ErrNotFound) {
		return h.offerSuggestions(ctx, req, actionRemove, plate, "")
	}
	if err != nil {
		return replyHTML(ctx, req, "Could not delete the record. Try again.")
	}
	return replyHTML(ctx, req, fmt.Sprintf("🗑 Removed %s (%s).",
		tgui.B(rec.VehicleName), tgui.Code(rec.PlateID)))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
