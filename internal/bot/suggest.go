package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"polisbot/internal/registry"
	kit "polisbot/internal/transport"
	"polisbot/pkg/tgui"
)

// Suggestion surface for the plate-taking commands: when the given plate
// matches nothing, up to 25 near matches (by name or plate substring) are
// offered as buttons; with zero matches a synthetic "register as new"
// button redirects to the registration flow.
const (
	SuggestScope = "sugg"

	actionExtend = "ext"
	actionReduce = "red"
	actionRemove = "rm"
	actionNew    = "new"

	maxSuggestions = 25
)

func (h *Handlers) offerSuggestions(ctx context.Context, req *Request, action, query, days string) error {
	recs, err := h.Store.Search(ctx, query, maxSuggestions)
	if err != nil {
		return replyHTML(ctx, req, "Lookup failed. Try again.")
	}
	owner := strconv.FormatInt(req.FromID, 10)

	if len(recs) == 0 {
		kb := tgui.NewInline()
		kb.Row(tgui.Btn(
			"➕ Register "+tgui.TruncRunes(query, 20)+" as new",
			tgui.Data(SuggestScope, actionNew, tgui.TruncRunes(query, 40)),
		))
		_, err := req.Adapter.SendText(ctx, req.Chat,
			fmt.Sprintf("No record matches %s.", tgui.Code(query)),
			&kit.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: kb.Markup()})
		return err
	}

	label := func(rec registry.Record) string {
		return tgui.TruncRunes(rec.VehicleName+" ("+rec.PlateID+")", 32)
	}
	data := func(rec registry.Record) string {
		payload := rec.PlateID
		if action != actionRemove {
			payload += "|" + days
		}
		payload += "|" + owner
		return tgui.Data(SuggestScope, action, payload)
	}

	kb := tgui.NewInline()
	for i := 0; i < len(recs); i += 2 {
		first := tgui.Btn(label(recs[i]), data(recs[i]))
		if i+1 < len(recs) {
			kb.Row(first, tgui.Btn(label(recs[i+1]), data(recs[i+1])))
		} else {
			kb.Row(first)
		}
	}

	_, err = req.Adapter.SendText(ctx, req.Chat,
		fmt.Sprintf("No exact match for %s. Did you mean:", tgui.Code(query)),
		&kit.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: kb.Markup()})
	return err
}

// HandleSuggest resolves a tapped suggestion button. Clicks from anyone
// but the operator who triggered the suggestions are refused.
func (h *Handlers) HandleSuggest(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	if cb == nil {
		return nil
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}

	if req.Command == actionNew {
		query := req.Payload
		_ = req.Adapter.AnswerCallback(ctx, cb.ID, "")
		return req.Adapter.EditText(ctx, ref, fmt.Sprintf(
			"No record for %s. Create it with %s.",
			tgui.Code(query),
			tgui.Code("/register <vehicle name> <plate> <days-valid>"),
		), &kit.SendOptions{ParseMode: "HTML"})
	}

	parts := strings.Split(req.Payload, "|")
	ownerStr := parts[len(parts)-1]
	if owner, err := strconv.ParseInt(ownerStr, 10, 64); err != nil || owner != req.FromID {
		return req.Adapter.AnswerCallback(ctx, cb.ID, "These suggestions belong to someone else.")
	}
	plate := parts[0]

	var text string
	switch req.Command {
	case actionExtend, actionReduce:
		if len(parts) != 3 {
			return req.Adapter.AnswerCallback(ctx, cb.ID, "")
		}
		days, err := strconv.Atoi(parts[1])
		if err != nil || days < 1 {
			return req.Adapter.AnswerCallback(ctx, cb.ID, "")
		}
		if req.Command == actionReduce {
			days = -days
		}
		rec, err := h.Store.FindByPlate(ctx, plate)
		if errors.Is(err, registry.ErrNotFound) {
			text = fmt.Sprintf("%s no longer exists.", tgui.Code(plate))
			break
		}
		if err != nil {
			return req.Adapter.AnswerCallback(ctx, cb.ID, "Lookup failed.")
		}
		text, err = h.applyAdjustment(ctx, rec, days)
		if err != nil {
			return req.Adapter.AnswerCallback(ctx, cb.ID, "Update failed.")
		}
	case actionRemove:
		// Password was already verified when the suggestions were offered.
		rec, err := h.Store.Delete(ctx, plate)
		if errors.Is(err, registry.ErrNotFound) {
			text = fmt.Sprintf("%s no longer exists.", tgui.Code(plate))
			break
		}
		if err != nil {
			return req.Adapter.AnswerCallback(ctx, cb.ID, "Delete failed.")
		}
		text = fmt.Sprintf("🗑 Removed %s (%s).", tgui.B(rec.VehicleName), tgui.Code(rec.PlateID))
	default:
		return req.Adapter.AnswerCallback(ctx, cb.ID, "")
	}

	_ = req.Adapter.AnswerCallback(ctx, cb.ID, "")
	return req.Adapter.EditText(ctx, ref, text, &kit.SendOptions{ParseMode: "HTML"})
}
