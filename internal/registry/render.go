package registry

import (
	"fmt"
	"strings"
	"time"

	"polisbot/pkg/tgui"
)

const expiryDateFormat = "02 Jan 2006"

// View parameterizes page rendering so one renderer serves every delivery
// path (scheduled alert, manual alert, registry list, DM variants).
type View struct {
	Title       string // e.g. "Expiry alert", "Insurance registry"
	Origin      string // banner text: what triggered this page set
	MentionHTML tgui.H // preamble, rendered on page 1 only
	Count       int    // total records across all pages (banner)
	Now         time.Time
	Loc         *time.Location
}

// RenderPage renders one page into Telegram HTML.
//
// Page 1 carries the mention preamble and a summary banner (record count,
// origin, generation time); later pages carry a "part N/M" title qualifier
// instead.
func RenderPage(p Page, v View) string {
	var b strings.Builder

	if p.Index == 1 {
		if v.MentionHTML != "" {
			b.WriteString(v.MentionHTML.String())
			b.WriteString("\n")
		}
		b.WriteString(tgui.B(v.Title).String())
		b.WriteString("\n")
		b.WriteString(tgui.I(banner(v)).String())
	} else {
		b.WriteString(tgui.B(fmt.Sprintf("%s (part %d/%d)", v.Title, p.Index, p.Total)).String())
	}

	for _, rec := range p.Records {
		b.WriteString("\n\n")
		b.WriteString(renderRecord(rec, v))
	}
	return b.String()
}

func banner(v View) string {
	return fmt.Sprintf("%d record(s) • %s • generated %s",
		v.Count, v.Origin, v.Now.In(v.Loc).Format("02 Jan 2006 15:04 MST"))
}

func renderRecord(rec Record, v View) string {
	daysLeft, tier := Classify(rec, v.Now, v.Loc)

	var days string
	switch {
	case daysLeft < 0:
		days = fmt.Sprintf("expired %d day(s) ago", -daysLeft)
	case daysLeft == 0:
		days = "expires today"
	default:
		days = fmt.Sprintf("%d day(s) left", daysLeft)
	}

	lines := []tgui.H{
		tgui.Raw(tier.Emoji() + " " + tgui.B(rec.VehicleName).String() + " [" + tier.String() + "]"),
		tgui.Raw("• Plate: " + tgui.Code(rec.PlateID).String()),
		tgui.Raw("• Expiry: " + tgui.Esc(rec.ExpiresAt.In(v.Loc).Format(expiryDateFormat)).String() + " — " + tgui.Esc(days).String()),
		tgui.Raw("• By: " + tgui.Esc(rec.RegisteredBy).String() + " • updated " + tgui.Esc(relAge(v.Now.Sub(rec.UpdatedAt))).String()),
	}
	return tgui.JoinH("\n", lines...).String()
}

// relAge renders a compact relative age like "3d ago" or "just now".
func relAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
