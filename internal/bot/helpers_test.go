package bot

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"polisbot/internal/config"
	"polisbot/internal/registry"
	kit "polisbot/internal/transport"
)

// ---- fake adapter ----

type sentMsg struct {
	ChatID int64
	Text   string
	Opt    *kit.SendOptions
}

type editMsg struct {
	Ref  kit.MessageRef
	Text string
}

type fakeAdapter struct {
	mu       sync.Mutex
	sends    []sentMsg
	edits    []editMsg
	answers  []string
	deleted  []kit.MessageRef
	resolved map[string]int64
	nextID   int
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMsg{ChatID: to.ChatID, Text: text, Opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editMsg{Ref: ref, Text: text})
	return nil
}

func (f *fakeAdapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) ResolveUser(ctx context.Context, username string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.resolved[username]; ok {
		return id, nil
	}
	return 0, registry.ErrNotFound
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeAdapter) lastSend(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		t.Fatal("no message sent")
	}
	return f.sends[len(f.sends)-1]
}

func (f *fakeAdapter) lastEdit(t *testing.T) editMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("no message edited")
	}
	return f.edits[len(f.edits)-1]
}

// ---- fake store ----

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]registry.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string]registry.Record{}}
}

func (f *fakeStore) Create(ctx context.Context, rec registry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.recs[rec.PlateID]; ok {
		return registry.ErrDuplicatePlate
	}
	f.recs[rec.PlateID] = rec
	return nil
}

func (f *fakeStore) FindByPlate(ctx context.Context, plate string) (registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[plate]
	if !ok {
		return registry.Record{}, registry.ErrNotFound
	}
	return rec, nil
}

func (f *fakeStore) Search(ctx context.Context, query string, limit int) ([]registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := strings.ToLower(query)
	var out []registry.Record
	for _, rec := range f.recs {
		if strings.Contains(strings.ToLower(rec.VehicleName), q) ||
			strings.Contains(strings.ToLower(rec.PlateID), q) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlateID < out[j].PlateID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UpdateExpiry(ctx context.Context, plate string, expiresAt, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[plate]
	if !ok {
		return registry.ErrNotFound
	}
	rec.ExpiresAt = expiresAt
	rec.UpdatedAt = updatedAt
	f.recs[plate] = rec
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, plate string) (registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[plate]
	if !ok {
		return registry.Record{}, registry.ErrNotFound
	}
	delete(f.recs, plate)
	return rec, nil
}

func (f *fakeStore) ListAll(ctx context.Context, sortByExpiry bool) ([]registry.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Record, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	if sortByExpiry {
		sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].PlateID < out[j].PlateID })
	}
	return out, nil
}

func (f *fakeStore) Close() error { return nil }

// ---- shared test config ----

func testConfig() *config.Config {
	return &config.Config{
		Timezone: "Asia/Jakarta",
		Alert:    config.AlertConfig{ChannelID: 500, Mention: "@fleetops", Time: "09:00"},
		Auth: config.AuthConfig{
			Roles:          []config.RoleConfig{{Name: "ops", Members: []int64{7}}},
			RemovePassword: "s3cret",
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
