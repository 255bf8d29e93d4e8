package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/Dicklesworthstone/steamboost/internal/account"
	"github.com/Dicklesworthstone/steamboost/internal/session"
)

var epoch = time.Date(2026, 4, 2, 18, 30, 0, 0, time.UTC)

type fakeJournals map[string][]session.Entry

func (f fakeJournals) Entries(id string) []session.Entry { return f[id] }

func testRegistry(t *testing.T) *account.Registry {
	t.Helper()
	reg := account.NewRegistry(nil,
		account.WithDefaults([]account.Record{
			{ID: "a", DisplayName: "Alpha", Username: "alpha_login", Password: "hunter2", SharedSecret: "c2VjcmV0", GameIDs: []uint32{730}},
			{ID: "b", DisplayName: "Bravo", Username: "bravo_login", Password: "swordfish"},
		}),
		account.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		account.WithNow(func() time.Time { return epoch }))
	reg.Load()
	return reg
}

func TestProjector_Snapshot(t *testing.T) {
	reg := testRegistry(t)
	reg.Upsert("a", account.Patch{
		State:         account.Ptr(account.StateError),
		LastError:     account.Ptr("RateLimitExceeded"),
		RetryAttempts: account.Ptr(2),
		CooldownUntil: account.Ptr(epoch.Add(time.Minute)),
		CurrentUsage:  account.Ptr(int64(300)),
	})
	reg.Upsert("a", account.Patch{CurrentUsage: account.Ptr(int64(345))})

	journals := fakeJournals{"a": {
		{Time: epoch, Message: "newest", Level: session.LevelWarning},
		{Time: epoch, Message: "older", Level: session.LevelInfo},
	}}
	p := NewProjector(reg, journals, func() time.Time { return epoch }, 1)
	snap := p.Snapshot()

	if got := strings.Join(snap.Order, ","); got != "a,b" {
		t.Fatalf("Order = %s, want a,b", got)
	}
	a := snap.Accounts["a"]
	if a.ConnectionState != account.StateError || a.LastError == nil || *a.LastError != "RateLimitExceeded" {
		t.Errorf("view a = %+v", a)
	}
	if a.CurrentUsage != 345 || a.AccruedUsage != 45 {
		t.Errorf("usage = %d/%d, want 345/45", a.CurrentUsage, a.AccruedUsage)
	}
	if a.CooldownUntil == nil || a.RetryAttempts != 2 {
		t.Errorf("retry info missing: %+v", a)
	}
	if len(a.Log) != 1 || a.Log[0].Message != "newest" {
		t.Errorf("log = %+v, want only the newest entry", a.Log)
	}

	b := snap.Accounts["b"]
	if b.LastError != nil || b.CooldownUntil != nil || b.SessionStartedAt != nil {
		t.Errorf("view b has unexpected optional fields: %+v", b)
	}
}

func TestProjector_NoSecrets(t *testing.T) {
	p := NewProjector(testRegistry(t), nil, nil, 0)

	data, err := json.Marshal(p.Snapshot())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out := string(data)
	for _, secret := range []string{"hunter2", "swordfish", "c2VjcmV0", "alpha_login", "password", "sharedSecret"} {
		if strings.Contains(out, secret) {
			t.Errorf("snapshot leaks %q: %s", secret, out)
		}
	}
}

func TestProjector_FatalErrorView(t *testing.T) {
	reg := testRegistry(t)
	reg.Upsert("b", account.Patch{
		State:     account.Ptr(account.StateError),
		LastError: account.Ptr("InvalidPassword"),
	})

	data, _ := json.Marshal(NewProjector(reg, nil, nil, 0).Snapshot().Accounts["b"])
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["connectionState"] != "error" || raw["lastError"] != "InvalidPassword" {
		t.Errorf("view = %s", data)
	}
	if _, ok := raw["cooldownUntil"]; ok {
		t.Errorf("cooldownUntil present without a retry: %s", data)
	}
}

func TestHub_SubscribeGetsImmediateFrame(t *testing.T) {
	hub := NewHub(NewProjector(testRegistry(t), nil, nil, 0), time.Hour, nil)

	ch, cancel := hub.Subscribe()
	defer cancel()

	select {
	case frame := <-ch:
		var u Update
		if err := json.Unmarshal(frame, &u); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if u.Type != "update" || len(u.Accounts) != 2 {
			t.Errorf("update = %+v", u)
		}
	default:
		t.Fatal("no initial frame")
	}
}

func TestHub_SlowSubscriberDropsFrames(t *testing.T) {
	hub := NewHub(NewProjector(testRegistry(t), nil, nil, 0), time.Hour, nil)

	slow, cancelSlow := hub.Subscribe()
	defer cancelSlow()
	fast, cancelFast := hub.Subscribe()
	defer cancelFast()
	<-fast

	for i := 0; i < subscriberBuffer*3; i++ {
		hub.Publish()
		<-fast
	}

	if got := len(slow); got != subscriberBuffer {
		t.Errorf("slow subscriber buffered %d frames, want %d", got, subscriberBuffer)
	}
}

func TestHub_CancelAndShutdown(t *testing.T) {
	hub := NewHub(NewProjector(testRegistry(t), nil, nil, 0), 10*time.Millisecond, nil)

	ch1, cancel1 := hub.Subscribe()
	ch2, _ := hub.Subscribe()
	if hub.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", hub.Subscribers())
	}

	cancel1()
	cancel1()
	if hub.Subscribers() != 1 {
		t.Errorf("Subscribers() = %d after cancel, want 1", hub.Subscribers())
	}
	drain(ch1)

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	// The running hub keeps pushing frames.
	select {
	case <-ch2:
	case <-time.After(time.Second):
		t.Fatal("no frame from running hub")
	}

	stop()
	<-done
	drain(ch2)

	late, _ := hub.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after shutdown should be closed")
	}
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}

func TestRenderers(t *testing.T) {
	reg := testRegistry(t)
	reg.Upsert("a", account.Patch{State: account.Ptr(account.StateOnline), CurrentUsage: account.Ptr(int64(125))})
	reg.Upsert("b", account.Patch{
		State:         account.Ptr(account.StateError),
		LastError:     account.Ptr("a very long error message that will certainly be cut short in the table"),
		RetryAttempts: account.Ptr(1),
		CooldownUntil: account.Ptr(epoch.Add(90 * time.Second)),
	})
	snap := NewProjector(reg, nil, func() time.Time { return epoch }, 0).Snapshot()

	table := &TableRenderer{ErrorWidth: 20, Now: func() time.Time { return epoch }}
	out := ansi.Strip(table.Render(snap))
	for _, want := range []string{"Alpha", "Bravo", "online", "error", "2h 5m", "#1 in 1m", "1 online", "..."} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "cut short") {
		t.Errorf("long error not truncated:\n%s", out)
	}

	brief := NewBriefRenderer().Render(snap)
	if brief != "1/2 online a:ON b:ERR" {
		t.Errorf("brief = %q", brief)
	}

	js := NewJSONRenderer(false).Render(snap)
	if !json.Valid([]byte(js)) {
		t.Fatalf("json output invalid: %s", js)
	}
}

func TestNewRenderer(t *testing.T) {
	for _, f := range []RenderFormat{"", RenderTable, RenderBrief, RenderJSON} {
		if _, err := NewRenderer(f); err != nil {
			t.Errorf("NewRenderer(%q) error = %v", f, err)
		}
	}
	if _, err := NewRenderer("xml"); err == nil {
		t.Error("NewRenderer(xml) should fail")
	}
	if out := NewTableRenderer().Render(Snapshot{}); !strings.Contains(out, "No accounts") {
		t.Errorf("empty table = %q", out)
	}
}

func TestFormatMinutes(t *testing.T) {
	tests := map[int64]string{0: "0m", 45: "45m", 60: "1h", 125: "2h 5m", -3: "0m"}
	for in, want := range tests {
		if got := formatMinutes(in); got != want {
			t.Errorf("formatMinutes(%d) = %q, want %q", in, got, want)
		}
	}
}
