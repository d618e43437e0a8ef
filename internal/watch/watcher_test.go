package watch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"onairbot/internal/eventbus"
	"onairbot/internal/notifier"
	"onairbot/internal/storage"
	"onairbot/internal/youtube"
	logx "onairbot/pkg/logx"
)

type fakeSource struct {
	mu    sync.Mutex
	live  map[string]*youtube.LiveBroadcast
	errs  map[string]error
	panic map[string]bool
	calls map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		live:  map[string]*youtube.LiveBroadcast{},
		errs:  map[string]error{},
		panic: map[string]bool{},
		calls: map[string]int{},
	}
}

func (f *fakeSource) LiveNow(_ context.Context, channelID string) (*youtube.LiveBroadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[channelID]++
	if f.panic[channelID] {
		panic("boom")
	}
	if err := f.errs[channelID]; err != nil {
		return nil, err
	}
	return f.live[channelID], nil
}

func (f *fakeSource) callCount(channelID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[channelID]
}

type fakeDelivery struct {
	mu    sync.Mutex
	notes []notifier.Notification
	err   error
}

func (f *fakeDelivery) Notify(_ context.Context, n notifier.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notes = append(f.notes, n)
	return nil
}

func (f *fakeDelivery) chats() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.notes))
	for _, n := range f.notes {
		out = append(out, n.Target.ChatID)
	}
	return out
}

func testStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustSchedule(t *testing.T, spec string) *Schedule {
	t.Helper()
	s, err := ParseSchedule(spec)
	if err != nil {
		t.Fatalf("ParseSchedule(%q): %v", spec, err)
	}
	return s
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestSweepNotifiesSubscribersAndDestinations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	if err := st.AddSubscription(ctx, 100, "UCaaa"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddSubscription(ctx, 200, "UCaaa"); err != nil {
		t.Fatal(err)
	}
	if err := st.AddDestination(ctx, "UCaaa", -1001); err != nil {
		t.Fatal(err)
	}
	// A chat that is both subscriber and destination gets one message.
	if err := st.AddDestination(ctx, "UCaaa", 100); err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	src.live["UCaaa"] = &youtube.LiveBroadcast{
		ChannelID:    "UCaaa",
		ChannelTitle: "My Channel",
		VideoID:      "vid1",
		VideoTitle:   "First Stream",
	}
	del := &fakeDelivery{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	w := New(mustSchedule(t, "2m"), time.Hour, st, src, del, nil, logx.Nop(), WithClock(fixedClock(now)))
	stats := w.Sweep(ctx)

	if stats.Notified != 1 || stats.Checked != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	chats := del.chats()
	if len(chats) != 3 {
		t.Fatalf("recipients = %v, want 3 distinct chats", chats)
	}
	if !strings.Contains(del.notes[0].Text, "My Channel is live: First Stream") {
		t.Fatalf("text = %q", del.notes[0].Text)
	}
	if !strings.Contains(del.notes[0].Text, "https://www.youtube.com/watch?v=vid1") {
		t.Fatalf("text = %q", del.notes[0].Text)
	}

	state, err := st.NotifyState(ctx, "UCaaa")
	if err != nil {
		t.Fatal(err)
	}
	if state.LastVideoID != "vid1" {
		t.Fatalf("LastVideoID = %q", state.LastVideoID)
	}
	if !state.CooldownActive(now.Add(30 * time.Minute)) {
		t.Fatal("cooldown not set")
	}
}

func TestSweepDedupsByVideoID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	if err := st.AddSubscription(ctx, 100, "UCaaa"); err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	src.live["UCaaa"] = &youtube.LiveBroadcast{ChannelID: "UCaaa", VideoID: "vid1"}
	del := &fakeDelivery{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	// Zero cooldown so only the video id guards against repeats.
	w := New(mustSchedule(t, "2m"), 0, st, src, del, nil, logx.Nop(), WithClock(fixedClock(now)))

	if stats := w.Sweep(ctx); stats.Notified != 1 {
		t.Fatalf("first sweep: %+v", stats)
	}
	if stats := w.Sweep(ctx); stats.Deduped != 1 || stats.Notified != 0 {
		t.Fatalf("second sweep: %+v", stats)
	}
	if got := len(del.chats()); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}

	// A NEW broadcast on the same channel notifies again.
	src.mu.Lock()
	src.live["UCaaa"] = &youtube.LiveBroadcast{ChannelID: "UCaaa", VideoID: "vid2"}
	src.mu.Unlock()
	if stats := w.Sweep(ctx); stats.Notified != 1 {
		t.Fatalf("third sweep: %+v", stats)
	}
}

func TestSweepCooldownSkipsAPICall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	if err := st.AddSubscription(ctx, 100, "UCaaa"); err != nil {
		t.Fatal(err)
	}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.SetCooldownUntil(ctx, "UCaaa", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	del := &fakeDelivery{}
	w := New(mustSchedule(t, "2m"), time.Hour, st, src, del, nil, logx.Nop(), WithClock(fixedClock(now)))

	stats := w.Sweep(ctx)
	if stats.SkippedCooldown != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if src.callCount("UCaaa") != 0 {
		t.Fatal("cooldown gate must prevent the API call")
	}

	// After the cooldown expires the channel is checked again.
	w2 := New(mustSchedule(t, "2m"), time.Hour, st, src, del, nil, logx.Nop(),
		WithClock(fixedClock(now.Add(2*time.Hour))))
	if stats := w2.Sweep(ctx); stats.Idle != 1 {
		t.Fatalf("post-cooldown stats = %+v", stats)
	}
	if src.callCount("UCaaa") != 1 {
		t.Fatalf("calls = %d, want 1", src.callCount("UCaaa"))
	}
}

func TestSweepCorruptCooldownFailsOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	if err := st.AddSubscription(ctx, 100, "UCaaa"); err != nil {
		t.Fatal(err)
	}
	// Write a broadcast then corrupt the cooldown stamp via a fresh state:
	// CooldownActive must treat garbage as absent.
	src := newFakeSource()
	del := &fakeDelivery{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w := New(mustSchedule(t, "2m"), 0, st, src, del, nil, logx.Nop(), WithClock(fixedClock(now)))

	if stats := w.Sweep(ctx); stats.Idle != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if src.callCount("UCaaa") != 1 {
		t.Fatal("channel with no cooldown must be polled")
	}
}

func TestSweepIsolatesFailingChannels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	for _, ch := range []string{"UCbad", "UCboom", "UCgood"} {
		if err := st.AddSubscription(ctx, 100, ch); err != nil {
			t.Fatal(err)
		}
	}

	src := newFakeSource()
	src.errs["UCbad"] = errors.New("api exploded")
	src.panic["UCboom"] = true
	src.live["UCgood"] = &youtube.LiveBroadcast{ChannelID: "UCgood", VideoID: "vid1"}
	del := &fakeDelivery{}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	w := New(mustSchedule(t, "2m"), 0, st, src, del, nil, logx.Nop(), WithClock(fixedClock(now)))
	stats := w.Sweep(ctx)

	if stats.Checked != 3 {
		t.Fatalf("checked = %d, want 3", stats.Checked)
	}
	if stats.Errors != 2 {
		t.Fatalf("errors = %d, want 2", stats.Errors)
	}
	if stats.Notified != 1 {
		t.Fatalf("notified = %d, want 1 (healthy channel unaffected)", stats.Notified)
	}
}

func TestSweepCommitSurvivesDeliveryFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	if err := st.AddSubscription(ctx, 100, "UCaaa"); err != nil {
		t.Fatal(err)
	}

	src := newFakeSource()
	src.live["UCaaa"] = &youtube.LiveBroadcast{ChannelID: "UCaaa", VideoID: "vid1"}
	del := &fakeDelivery{err: errors.New("queue full")}
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	w := New(mustSchedule(t, "2m"), 0, st, src, del, nil, logx.Nop(), WithClock(fixedClock(now)))
	w.Sweep(ctx)

	state, err := st.NotifyState(ctx, "UCaaa")
	if err != nil {
		t.Fatal(err)
	}
	if state.LastVideoID != "vid1" {
		t.Fatal("state must be committed before fan-out, even when delivery fails")
	}
}

func TestSweepPublishesStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := testStore(t)
	if err := st.AddSubscription(ctx, 100, "UCaaa"); err != nil {
		t.Fatal(err)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	src := newFakeSource()
	w := New(mustSchedule(t, "2m"), 0, st, src, &fakeDelivery{}, bus, logx.Nop())
	w.Sweep(ctx)

	select {
	case e := <-events:
		if e.Type != eventbus.TypeSweepDone {
			t.Fatalf("event type = %q", e.Type)
		}
		stats, ok := e.Data.(SweepStats)
		if !ok || stats.Checked != 1 {
			t.Fatalf("event data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no sweep_done event")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	st := testStore(t)
	w := New(mustSchedule(t, "1h"), 0, st, newFakeSource(), &fakeDelivery{}, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Give the first sweep a moment, then cancel mid-wait.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBroadcastTextFallbacks(t *testing.T) {
	t.Parallel()

	got := BroadcastText(&youtube.LiveBroadcast{ChannelID: "UCaaa", VideoID: "vid1"})
	want := "UCaaa is live: Live broadcast\nhttps://www.youtube.com/watch?v=vid1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	got = BroadcastText(&youtube.LiveBroadcast{
		ChannelID:    "UCaaa",
		ChannelTitle: "A <b> Channel",
		VideoID:      "vid1",
		VideoTitle:   "Q&A",
	})
	if !strings.Contains(got, "A &lt;b&gt; Channel is live: Q&amp;A") {
		t.Fatalf("got %q, want escaped titles", got)
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		in      string
		next    time.Time
		wantErr bool
	}{
		{name: "duration", in: "2m", next: now.Add(2 * time.Minute)},
		{name: "default", in: "", next: now.Add(2 * time.Minute)},
		{name: "cron five field", in: "*/5 * * * *", next: now.Add(5 * time.Minute)},
		{name: "cron descriptor", in: "@hourly", next: now.Add(time.Hour)},
		{name: "cron every", in: "@every 90s", next: now.Add(90 * time.Second)},
		{name: "forced cron", in: "cron:0 * * * *", next: now.Add(time.Hour)},
		{name: "forced interval", in: "interval:45s", next: now.Add(45 * time.Second)},
		{name: "garbage", in: "sometimes", wantErr: true},
		{name: "negative", in: "-5m", wantErr: true},
		{name: "bad cron", in: "cron:not a cron", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) succeeded, want error", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got := s.Next(now); !got.Equal(tc.next) {
				t.Fatalf("Next = %v, want %v", got, tc.next)
			}
		})
	}
}
