package reminder

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"saharbot/internal/schedule"
	"saharbot/internal/storage"
	"saharbot/internal/transport"
	"saharbot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	errs []error       // consumed per call; nil entry means success
	gate chan struct{} // when set, SendText blocks on it mid-call
	sent []string
}

func (f *fakeSender) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	_ = ctx
	_ = opt
	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return transport.MessageRef{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

type fixture struct {
	svc    *Service
	store  storage.Store
	sender *fakeSender
	slept  *[]time.Duration
	dir    string
}

// newFixture builds a service over a real file store and a timetable with
// iftar at 18:00 and suhoor at 05:00 Tashkent time on the given date.
func newFixture(t *testing.T, date string) *fixture {
	t.Helper()
	dir := t.TempDir()
	table := `{"` + date + `":{"suhoor":"05:00","iftar":"18:00"}}`
	if err := os.WriteFile(filepath.Join(dir, "times_tashkent.json"), []byte(table), 0o600); err != nil {
		t.Fatal(err)
	}

	loc, err := time.LoadLocation("Asia/Tashkent")
	if err != nil {
		t.Fatal(err)
	}
	st, err := storage.Open(storage.Config{Driver: "file", Dir: dir}, loc, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	sender := &fakeSender{}
	svc := New(Config{
		TickInterval:      time.Minute,
		LateWindow:        2 * time.Minute,
		CongratsWindow:    2 * time.Minute,
		RetryMax:          3,
		DefaultRetryAfter: 5 * time.Second,
		RatePerSec:        1000,
		SendWorkers:       2,
		HomeTimezone:      "Asia/Tashkent",
	}, st, schedule.NewResolver(schedule.Config{Dir: dir}, logx.Nop()), sender, nil, logx.Nop())

	slept := &[]time.Duration{}
	svc.sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return &fixture{svc: svc, store: st, sender: sender, slept: slept, dir: dir}
}

func (fx *fixture) at(t *testing.T, clock string) {
	t.Helper()
	loc := fx.svc.Home()
	now, err := time.ParseInLocation("2006-01-02 15:04:05", clock, loc)
	if err != nil {
		t.Fatal(err)
	}
	fx.svc.now = func() time.Time { return now }
}

func (fx *fixture) addUser(t *testing.T, id int64, remindMin int) {
	t.Helper()
	err := fx.store.PutUser(context.Background(), storage.User{
		ID: id, Lang: "uz", City: "tashkent", RemindMinutes: remindMin,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func waitSent(t *testing.T, s *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.sentCount() < want {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want %d", s.sentCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTickFutureReminderArmsOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	// Reminder due 17:50, one second early: arm, don't send.
	fx.at(t, "2026-03-10 17:49:59")

	ctx := context.Background()
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := fx.svc.PendingTimers(); got != 1 {
		t.Fatalf("pending timers = %d, want 1", got)
	}
	if fx.sender.sentCount() != 0 {
		t.Fatalf("sent %d messages before due time", fx.sender.sentCount())
	}

	// A second sweep must not stack another timer for the same key.
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	if got := fx.svc.PendingTimers(); got != 1 {
		t.Fatalf("pending timers after re-tick = %d, want 1", got)
	}
}

func TestArmedTimerFireSendsOnce(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	fx.svc.armTimer(key, 10*time.Millisecond, sendJob{user: storage.User{ID: 1, Lang: "uz"}, key: key, msg: "due"})

	waitSent(t, fx.sender, 1)

	deadline := time.Now().Add(time.Second)
	for {
		ok, err := fx.store.IsDelivered(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timer fire never recorded in tracker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := fx.svc.PendingTimers(); got != 0 {
		t.Fatalf("pending timers after fire = %d, want 0", got)
	}
	if n := fx.sender.sentCount(); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestArmedTimerFireSkipsDelivered(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	// Delivered by another path between arming and firing.
	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	if err := fx.store.MarkDelivered(ctx, key); err != nil {
		t.Fatal(err)
	}
	fx.svc.armTimer(key, 10*time.Millisecond, sendJob{user: storage.User{ID: 1, Lang: "uz"}, key: key, msg: "due"})

	deadline := time.Now().Add(time.Second)
	for fx.svc.PendingTimers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("timer never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages for an already delivered key", n)
	}
}

func TestTickLateWithinWindowSendsNow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	// Reminder due 17:50, tick lands 111 seconds late.
	fx.at(t, "2026-03-10 17:51:51")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	waitSent(t, fx.sender, 1)
	if fx.svc.PendingTimers() != 0 {
		t.Fatal("late send also armed a timer")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ok, err := fx.store.IsDelivered(ctx, storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delivery never recorded in tracker")
}

func TestTickTooLateSkips(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	// Reminder due 17:50, tick lands 121 seconds late: outside the window.
	fx.at(t, "2026-03-10 17:52:01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages for a stale reminder", n)
	}
	if fx.svc.PendingTimers() != 0 {
		t.Fatal("stale reminder armed a timer")
	}
}

func TestTickSkipsDelivered(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	fx.at(t, "2026-03-10 17:51:00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	if err := fx.store.MarkDelivered(ctx, key); err != nil {
		t.Fatal(err)
	}

	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages for an already delivered reminder", n)
	}
}

func TestLateTickRepeatWhileSendInFlight(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	// Reminder due 17:50, tick lands a minute late: inside the window.
	fx.at(t, "2026-03-10 17:51:00")

	gate := make(chan struct{})
	fx.sender.gate = gate

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	// First sweep queues the send; a worker is now stuck in the transport.
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	// Next sweep lands while the first send is still in flight and the
	// tracker is still unset. It must not queue the key a second time.
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	close(gate)

	waitSent(t, fx.sender, 1)
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 1 {
		t.Fatalf("reminder sent %d times, want 1", n)
	}

	ok, err := fx.store.IsDelivered(ctx, storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("delivery never recorded in tracker")
	}
}

func TestDeliverRechecksTrackerBeforeSend(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")

	// The key was delivered after the job got queued.
	ctx := context.Background()
	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	if err := fx.store.MarkDelivered(ctx, key); err != nil {
		t.Fatal(err)
	}
	fx.svc.deliver(ctx, sendJob{user: storage.User{ID: 1}, key: key, msg: "hi"})

	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages for a key delivered while queued", n)
	}
}

func TestDeliverRetriesFloodThenSucceeds(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	fx.sender.errs = []error{&transport.RateLimitedError{RetryAfter: 3 * time.Second}, nil}

	ctx := context.Background()
	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	fx.svc.deliver(ctx, sendJob{user: storage.User{ID: 1, Lang: "uz"}, key: key, msg: "hi"})

	if n := fx.sender.sentCount(); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
	if len(*fx.slept) != 1 || (*fx.slept)[0] != 4*time.Second {
		t.Fatalf("slept %v, want [4s]", *fx.slept)
	}
	ok, err := fx.store.IsDelivered(ctx, key)
	if err != nil || !ok {
		t.Fatalf("delivery not recorded: ok=%v err=%v", ok, err)
	}
}

func TestDeliverFloodDefaultBackoff(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.sender.errs = []error{&transport.RateLimitedError{}, nil}

	key := storage.Key{UserID: 1, Event: "suhoor", Date: "2026-03-10"}
	fx.svc.deliver(context.Background(), sendJob{user: storage.User{ID: 1}, key: key, msg: "hi"})

	if len(*fx.slept) != 1 || (*fx.slept)[0] != 6*time.Second {
		t.Fatalf("slept %v, want [6s] (default 5s + 1s)", *fx.slept)
	}
}

func TestDeliverFloodExhausted(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	flood := &transport.RateLimitedError{RetryAfter: time.Second}
	fx.sender.errs = []error{flood, flood, flood}

	ctx := context.Background()
	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	fx.svc.deliver(ctx, sendJob{user: storage.User{ID: 1}, key: key, msg: "hi"})

	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages, want 0", n)
	}
	// Two sleeps: after attempt 1 and 2; attempt 3 fails and gives up.
	if len(*fx.slept) != 2 {
		t.Fatalf("slept %v, want two backoffs", *fx.slept)
	}
	ok, err := fx.store.IsDelivered(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("failed delivery was recorded as sent")
	}
}

func TestDeliverPermanentNoRetry(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.sender.errs = []error{
		&transport.PermanentError{Reason: "bot was blocked by the user"},
		nil, // would succeed if retried, must not be reached
	}

	ctx := context.Background()
	key := storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}
	fx.svc.deliver(ctx, sendJob{user: storage.User{ID: 1}, key: key, msg: "hi"})

	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages after a permanent failure", n)
	}
	if len(*fx.slept) != 0 {
		t.Fatalf("backed off %v on a permanent failure", *fx.slept)
	}
	ok, err := fx.store.IsDelivered(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("permanent failure recorded as delivered")
	}
}

func TestCongratsOncePerDay(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	// One minute after iftar: inside the congrats window. The iftar
	// reminder (due 17:50) is far past its late window by now.
	fx.at(t, "2026-03-10 18:01:00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	waitSent(t, fx.sender, 1)
	if !strings.Contains(fx.sender.lastSent(), "Iftor vaqti boshlandi") {
		t.Fatalf("unexpected congrats text: %q", fx.sender.lastSent())
	}

	// Second sweep in the same window: flag on the user must suppress it.
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 1 {
		t.Fatalf("congrats sent %d times, want 1", n)
	}
}

func TestCongratsOutsideWindow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	// 121 seconds after iftar: outside the two minute window.
	fx.at(t, "2026-03-10 18:02:01")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())

	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages outside the congrats window", n)
	}
}

func TestCongratsIndependentOfReminder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")
	fx.addUser(t, 1, 10)
	fx.at(t, "2026-03-10 18:01:00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Reminder already delivered; congrats must still go out.
	if err := fx.store.MarkDelivered(ctx, storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"}); err != nil {
		t.Fatal(err)
	}

	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	waitSent(t, fx.sender, 1)
	if !strings.Contains(fx.sender.lastSent(), "Ramazon") {
		t.Fatalf("expected congrats, got %q", fx.sender.lastSent())
	}
}

func TestTrackerDateFollowsCityDay(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-10")

	// Bremen's evening is still March 10 after Tashkent rolls to March 11.
	table := `{"2026-03-10":{"suhoor":"05:00","iftar":"21:09"}}`
	if err := os.WriteFile(filepath.Join(fx.dir, "times_bremen.json"), []byte(table), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := fx.store.PutUser(ctx, storage.User{ID: 1, Lang: "ru", City: "bremen", RemindMinutes: 10}); err != nil {
		t.Fatal(err)
	}
	// 01:00 Tashkent = 21:00 Bremen; reminder due 20:59 local, a minute late.
	fx.at(t, "2026-03-11 01:00:00")

	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	waitSent(t, fx.sender, 1)

	deadline := time.Now().Add(time.Second)
	for {
		ok, err := fx.store.IsDelivered(ctx, storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-10"})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("delivery not recorded under the city-local date")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ok, err := fx.store.IsDelivered(ctx, storage.Key{UserID: 1, Event: "iftar", Date: "2026-03-11"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("delivery recorded under the home-zone date")
	}
}

func TestTickNoTimetableRow(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, "2026-03-11") // table has tomorrow only
	fx.addUser(t, 1, 10)
	fx.at(t, "2026-03-10 17:51:00")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.svc.Start(ctx)
	defer fx.svc.Stop(context.Background())
	if err := fx.svc.RunTick(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := fx.sender.sentCount(); n != 0 {
		t.Fatalf("sent %d messages with no timetable row", n)
	}
}
