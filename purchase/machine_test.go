package purchase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ussd-airtime-bot/config"
	"ussd-airtime-bot/events"
	"ussd-airtime-bot/model"
	"ussd-airtime-bot/operator"
	"ussd-airtime-bot/store"
	"ussd-airtime-bot/transport"
)

const records = `[
  {
    "Operator Short": "MTN",
    "USSD Balance": "*124#",
    "USSD Bundle Purchase": "*117*{destination}*{amount}*{pin}#",
    "USSD Recharge": "*123*{code}#",
    "Operator Identities": ["MTN", "+260966000777"],
    "Notification Prefixes": [
      {"Prefix": "301", "Type": "success"},
      {"Prefix": "302", "Type": "received"},
      {"Prefix": "3049", "Type": "failure"}
    ]
  },
  {
    "Operator Short": "Airtel",
    "USSD Balance": "*778#",
    "USSD Bundle Purchase": "*117*%(destination)s*%(amount)s*%(PIN)s#",
    "Operator Identities": ["Airtel"],
    "Notification Prefixes": [{"Prefix": "Transaction failed", "Type": "failure"}]
  }
]`

type fakeExecutor struct {
	mu       sync.Mutex
	reply    string
	ok       bool
	err      error
	commands []string
}

func (f *fakeExecutor) Execute(_ context.Context, channel, command string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, channel+" "+command)
	return f.reply, f.ok, f.err
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// fakeClock advances by the requested duration on every After call.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waited  time.Duration
	onAfter func(waited time.Duration)
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waited += d
	now, waited, hook := c.now, c.waited, c.onAfter
	c.mu.Unlock()
	if hook != nil {
		hook(waited)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fixture struct {
	st     *store.Store
	m      *Machine
	exec   *fakeExecutor
	clock  *fakeClock
	mtn    *model.SIM
	airtel *model.SIM

	mu     sync.Mutex
	events []events.Event
}

func (f *fixture) published(typ events.Type) []events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Event
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dir, err := operator.Parse([]byte(records))
	if err != nil {
		t.Fatal(err)
	}
	sims, err := st.SyncSIMs(context.Background(), []config.SIM{
		{Operator: "MTN", Channel: "modem0", PIN: "1234"},
		{Operator: "Airtel", Channel: "modem1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		st:     st,
		exec:   &fakeExecutor{reply: "Your request is being processed", ok: true},
		clock:  &fakeClock{now: time.Date(2024, 10, 19, 10, 0, 0, 0, time.UTC)},
		mtn:    &sims[0],
		airtel: &sims[1],
	}
	record := events.Func(func(_ context.Context, e events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	})
	f.m = New(st, dir, f.exec, WithClock(f.clock), WithPublisher(record))
	return f
}

func (f *fixture) reload(t *testing.T, id uint) *model.Transaction {
	t.Helper()
	tx, err := f.st.Transaction(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return tx
}

func (f *fixture) countByStatus(t *testing.T, status model.TransactionStatus) int {
	t.Helper()
	txs, err := f.st.TransactionsByStatus(context.Background(), status)
	if err != nil {
		t.Fatal(err)
	}
	return len(txs)
}

func TestQueuedPurchaseConfirmedBySuccessNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if tx.Status != model.StatusQueued || tx.Operator != "MTN" || tx.Ref == "" {
		t.Fatalf("Enqueue() = %+v", tx)
	}

	// the confirmation arrives while the purchaser waits
	var statusDuringWait model.TransactionStatus
	f.clock.onAfter = func(time.Duration) {
		if statusDuringWait != "" {
			return
		}
		statusDuringWait = f.reload(t, tx.ID).Status
		if _, _, err := f.m.HandleInbound(ctx, "MTN", "301 Success: 100MB sent to 0964571227"); err != nil {
			t.Errorf("HandleInbound() error = %v", err)
		}
	}

	p := NewPurchaser(f.m, f.st, PurchaserConfig{})
	if err := p.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if statusDuringWait != model.StatusPending {
		t.Errorf("status while waiting = %s, want Pending", statusDuringWait)
	}
	if calls := f.exec.calls(); len(calls) != 1 || calls[0] != "modem0 *117*0964571227*100MB*1234#" {
		t.Errorf("executor calls = %v", calls)
	}
	got := f.reload(t, tx.ID)
	if got.Status != model.StatusSuccess {
		t.Errorf("status = %s, want Success", got.Status)
	}
	if got.Notification == nil || got.Notification.Type != model.NotificationSuccess {
		t.Errorf("linked notification = %+v", got.Notification)
	}
	if got.InitiatedAt == nil {
		t.Error("InitiatedAt not recorded")
	}
	if f.clock.waited != 10*time.Second {
		t.Errorf("waited %s, want one poll", f.clock.waited)
	}
}

func TestPendingWithoutConfirmationBecomesUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"})
	if err != nil {
		t.Fatal(err)
	}
	p := NewPurchaser(f.m, f.st, PurchaserConfig{PollInterval: 10 * time.Second, MaxPolls: 10})
	if err := p.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	got := f.reload(t, tx.ID)
	if got.Status != model.StatusUnknown {
		t.Errorf("status = %s, want Unknown", got.Status)
	}
	if !strings.Contains(got.Note, "no confirmation") {
		t.Errorf("note = %q", got.Note)
	}
	if f.clock.waited != 100*time.Second {
		t.Errorf("waited %s, want 100s", f.clock.waited)
	}
}

func TestPurchaserDrainsOperatorQueueInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, dest := range []string{"0964000001", "0964000002"} {
		if _, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: dest, Amount: "100MB"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.m.Enqueue(ctx, Request{SIMID: f.airtel.ID, Crux: "0977000001", Amount: "1GB"}); err != nil {
		t.Fatal(err)
	}

	// every wait is answered, and never with two purchases of one operator in flight
	f.clock.onAfter = func(time.Duration) {
		for _, name := range []string{"MTN", "Airtel"} {
			txs, _ := f.st.TransactionsByOperatorStatus(ctx, name, model.StatusPending)
			if len(txs) > 1 {
				t.Errorf("%s has %d pending transactions", name, len(txs))
			}
		}
		f.m.HandleInbound(ctx, "MTN", "301 Success")
		f.m.HandleInbound(ctx, "Airtel", "Transaction failed")
	}

	p := NewPurchaser(f.m, f.st, PurchaserConfig{})
	if err := p.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	calls := f.exec.calls()
	want := []string{
		"modem1 *117*0977000001*1GB*#",
		"modem0 *117*0964000001*100MB*1234#",
		"modem0 *117*0964000002*100MB*1234#",
	}
	if len(calls) != len(want) {
		t.Fatalf("executor calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
	if n := f.countByStatus(t, model.StatusQueued); n != 0 {
		t.Errorf("%d transactions still queued", n)
	}
	if n := f.countByStatus(t, model.StatusFailure); n != 1 {
		t.Errorf("%d failures, want the Airtel purchase", n)
	}
}

func (f *fixture) dialsTo(destination string) int {
	n := 0
	for _, c := range f.exec.calls() {
		if strings.Contains(c, "*"+destination+"*") {
			n++
		}
	}
	return n
}

func (f *fixture) rowsFor(t *testing.T, crux string) []model.Transaction {
	t.Helper()
	txs, err := f.st.ListTransactions(context.Background(), store.TransactionFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var out []model.Transaction
	for _, tx := range txs {
		if tx.Crux == crux {
			out = append(out, tx)
		}
	}
	return out
}

func TestPurchaserSkipsItemsThatLeftTheQueue(t *testing.T) {
	tests := []struct {
		name      string
		meanwhile func(f *fixture, second *model.Transaction) error
		wantDials int
		want      model.TransactionStatus
	}{
		{
			name: "bought on demand",
			meanwhile: func(f *fixture, second *model.Transaction) error {
				_, err := f.m.Initiate(context.Background(), Request{SIMID: f.mtn.ID, Crux: second.Crux, Amount: second.Amount}, false)
				return err
			},
			wantDials: 1,
			want:      model.StatusSuccess,
		},
		{
			name: "discarded",
			meanwhile: func(f *fixture, second *model.Transaction) error {
				return f.m.Discard(context.Background(), second.ID, "cancelled by operator")
			},
			wantDials: 0,
			want:      model.StatusFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			first, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000001", Amount: "100MB"})
			if err != nil {
				t.Fatal(err)
			}
			second, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000002", Amount: "100MB"})
			if err != nil {
				t.Fatal(err)
			}

			// while the purchaser waits on the first item, the second one is
			// handled elsewhere; every later wait is confirmed
			waits := 0
			f.clock.onAfter = func(time.Duration) {
				waits++
				if _, _, err := f.m.HandleInbound(ctx, "MTN", "301 Success"); err != nil {
					t.Errorf("HandleInbound() error = %v", err)
				}
				if waits == 1 {
					if err := tt.meanwhile(f, second); err != nil {
						t.Errorf("concurrent change error = %v", err)
					}
				}
			}

			p := NewPurchaser(f.m, f.st, PurchaserConfig{})
			if err := p.RunOnce(ctx); err != nil {
				t.Fatal(err)
			}

			if n := f.dialsTo(first.Crux); n != 1 {
				t.Errorf("dials to %s = %d, want 1", first.Crux, n)
			}
			if n := f.dialsTo(second.Crux); n != tt.wantDials {
				t.Errorf("dials to %s = %d, want %d; calls = %v", second.Crux, n, tt.wantDials, f.exec.calls())
			}
			rows := f.rowsFor(t, second.Crux)
			if len(rows) != 1 || rows[0].ID != second.ID {
				t.Fatalf("rows for %s = %+v, want the queued record only", second.Crux, rows)
			}
			if rows[0].Status != tt.want {
				t.Errorf("status = %s, want %s", rows[0].Status, tt.want)
			}
		})
	}
}

func TestInitiateQueuedPromotesThatRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	older, _ := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"})
	newer, _ := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"})

	res, err := f.m.InitiateQueued(ctx, newer.ID)
	if err != nil {
		t.Fatalf("InitiateQueued() error = %v", err)
	}
	if res.Transaction.ID != newer.ID {
		t.Errorf("promoted %d, want %d", res.Transaction.ID, newer.ID)
	}
	if got := f.reload(t, older.ID); got.Status != model.StatusQueued {
		t.Errorf("older status = %s, want Queued", got.Status)
	}
	if _, err := f.m.InitiateQueued(ctx, newer.ID); !errors.Is(err, ErrNotQueued) {
		t.Errorf("InitiateQueued() twice error = %v, want ErrNotQueued", err)
	}
	if len(f.exec.calls()) != 1 {
		t.Errorf("executor calls = %v", f.exec.calls())
	}
}

func TestHaltIsSharedThroughStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := New(f.st, f.m.dir, f.exec, WithClock(f.clock))

	for _, ref := range []string{"a", "b"} {
		tx := &model.Transaction{Ref: ref, Kind: model.KindBundlePurchase, SIMID: f.mtn.ID, Operator: "MTN",
			Crux: "0964571227", Amount: "100MB", Status: model.StatusPending}
		if err := f.st.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.m.FindPending(ctx, "MTN"); !errors.Is(err, ErrAmbiguousPending) {
		t.Fatalf("FindPending() error = %v, want ErrAmbiguousPending", err)
	}
	if _, halted, err := other.Halted(ctx, "MTN"); err != nil || !halted {
		t.Fatalf("halt not visible to a second machine: %v, %v", halted, err)
	}

	if _, err := other.Clear(ctx, "MTN"); err != nil {
		t.Fatal(err)
	}
	if _, halted, _ := f.m.Halted(ctx, "MTN"); halted {
		t.Fatal("halt cleared by a second machine is still seen by the first")
	}
	if _, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000001", Amount: "100MB"}, false); err != nil {
		t.Errorf("Initiate() after clear error = %v", err)
	}
}

func TestInitiateRejectsInternationalPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "+260964571227", Amount: "100MB"}, false)
	if !errors.Is(err, ErrInvalidDestination) {
		t.Fatalf("Initiate() error = %v, want ErrInvalidDestination", err)
	}
	if _, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "+260964571227", Amount: "100MB"}); !errors.Is(err, ErrInvalidDestination) {
		t.Errorf("Enqueue() error = %v, want ErrInvalidDestination", err)
	}
	if _, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227"}, false); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Initiate() without amount error = %v", err)
	}
	if calls := f.exec.calls(); len(calls) != 0 {
		t.Errorf("carrier was called: %v", calls)
	}
}

func TestEnqueueThenInitiatePromotesSameRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queued, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: " 100MB"}, false)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if res.Transaction.ID != queued.ID || res.Transaction.Ref != queued.Ref {
		t.Errorf("Initiate() created %d, want promoted %d", res.Transaction.ID, queued.ID)
	}
	if res.Transaction.Status != model.StatusPending {
		t.Errorf("status = %s, want Pending", res.Transaction.Status)
	}
	all, _ := f.st.ListTransactions(ctx, store.TransactionFilter{})
	if len(all) != 1 {
		t.Errorf("%d transactions stored, want 1", len(all))
	}
}

func TestInitiateWithoutQueuedCreatesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.ID == 0 || res.Transaction.Status != model.StatusPending {
		t.Errorf("Initiate() = %+v", res.Transaction)
	}
	if res.Message() != "Your request is being processed" {
		t.Errorf("Message() = %q", res.Message())
	}
	pending, err := f.m.FindPending(ctx, "MTN")
	if err != nil || pending == nil || pending.ID != res.Transaction.ID {
		t.Errorf("FindPending() = %+v, %v", pending, err)
	}
	if none, err := f.m.FindPending(ctx, "Airtel"); err != nil || none != nil {
		t.Errorf("FindPending(Airtel) = %+v, %v", none, err)
	}
}

func TestInitiateGuardedByPendingPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000001", Amount: "100MB"}, false)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000002", Amount: "100MB"}, false)
	if !errors.Is(err, ErrPurchasePending) {
		t.Fatalf("second Initiate() error = %v, want ErrPurchasePending", err)
	}

	// another operator is not affected
	if _, err := f.m.Initiate(ctx, Request{SIMID: f.airtel.ID, Crux: "0977000001", Amount: "1GB"}, false); err != nil {
		t.Errorf("Initiate(Airtel) error = %v", err)
	}

	forced, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000002", Amount: "100MB"}, true)
	if err != nil {
		t.Fatalf("forced Initiate() error = %v", err)
	}
	if got := f.reload(t, first.Transaction.ID); got.Status != model.StatusUnknown {
		t.Errorf("superseded status = %s, want Unknown", got.Status)
	}
	if forced.Transaction.Status != model.StatusPending {
		t.Errorf("forced status = %s", forced.Transaction.Status)
	}
}

func TestConcurrentInitiateKeepsOnePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		blocked  int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dest := "09640000" + string(rune('0'+i)) + "0"
			_, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: dest, Amount: "100MB"}, false)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrPurchasePending):
				blocked++
			default:
				t.Errorf("Initiate(%s) error = %v", dest, err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 || blocked != n-1 {
		t.Errorf("accepted %d, blocked %d; want 1 and %d", accepted, blocked, n-1)
	}
	if got := f.countByStatus(t, model.StatusPending); got != 1 {
		t.Errorf("%d pending transactions, want 1", got)
	}
}

func TestResolveMapsNotificationType(t *testing.T) {
	tests := []struct {
		text     string
		wantType model.NotificationType
		want     model.TransactionStatus
	}{
		{"301 Success", model.NotificationSuccess, model.StatusSuccess},
		{"3049 Purchase failed, insufficient funds", model.NotificationFailure, model.StatusFailure},
		{"302 You have received 100MB", model.NotificationReceived, model.StatusSuccess},
		{"Dear customer, enjoy our offers", model.NotificationUnknown, model.StatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			res, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"}, false)
			if err != nil {
				t.Fatal(err)
			}

			n, tx, err := f.m.HandleInbound(ctx, "+260966000777", tt.text)
			if err != nil {
				t.Fatalf("HandleInbound() error = %v", err)
			}
			if n.Type != tt.wantType {
				t.Errorf("notification type = %s, want %s", n.Type, tt.wantType)
			}
			if tx == nil || tx.ID != res.Transaction.ID || tx.Status != tt.want {
				t.Fatalf("resolved = %+v, want status %s", tx, tt.want)
			}
			if got := f.reload(t, tx.ID); got.NotificationID == nil || *got.NotificationID != n.ID {
				t.Errorf("notification not linked: %+v", got)
			}
			if evs := f.published(events.TypeStatus); len(evs) != 2 || evs[1].Status != tt.want.String() {
				t.Errorf("status events = %+v", evs)
			}
		})
	}
}

func TestHandleInboundWithoutPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, tx, err := f.m.HandleInbound(ctx, "MTN", "301 Success")
	if err != nil || tx != nil {
		t.Fatalf("HandleInbound() = %+v, %v", tx, err)
	}
	if n.ID == 0 || n.Type != model.NotificationSuccess {
		t.Errorf("notification = %+v", n)
	}

	if _, _, err := f.m.HandleInbound(ctx, "0977123456", "hello"); !errors.Is(err, ErrUnknownSender) {
		t.Errorf("HandleInbound(stranger) error = %v, want ErrUnknownSender", err)
	}
}

func TestAmbiguousPendingHaltsOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, ref := range []string{"a", "b"} {
		tx := &model.Transaction{Ref: ref, Kind: model.KindBundlePurchase, SIMID: f.mtn.ID, Operator: "MTN",
			Crux: "0964571227", Amount: "100MB", Status: model.StatusPending}
		if err := f.st.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	n, tx, err := f.m.HandleInbound(ctx, "MTN", "301 Success")
	var ambiguous *AmbiguousPendingError
	if !errors.As(err, &ambiguous) || !errors.Is(err, ErrAmbiguousPending) {
		t.Fatalf("HandleInbound() error = %v, want AmbiguousPendingError", err)
	}
	if ambiguous.Operator != "MTN" || len(ambiguous.Refs) != 2 {
		t.Errorf("ambiguous = %+v", ambiguous)
	}
	if n == nil || n.ID == 0 || tx != nil {
		t.Errorf("notification must be stored unlinked: %+v, %+v", n, tx)
	}
	if _, halted, _ := f.m.Halted(ctx, "MTN"); !halted {
		t.Fatal("operator not halted")
	}
	if len(f.published(events.TypeHalted)) != 1 {
		t.Errorf("halt events = %+v", f.published(events.TypeHalted))
	}

	if _, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000001", Amount: "100MB"}, false); !errors.Is(err, ErrOperatorHalted) {
		t.Errorf("Initiate() on halted operator error = %v", err)
	}

	queued, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964000001", Amount: "100MB"})
	if err != nil {
		t.Fatal(err)
	}
	p := NewPurchaser(f.m, f.st, PurchaserConfig{})
	if err := p.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.reload(t, queued.ID); got.Status != model.StatusQueued {
		t.Errorf("halted operator queue was processed: %s", got.Status)
	}

	expired, err := f.m.Clear(ctx, "MTN")
	if err != nil || expired != 2 {
		t.Fatalf("Clear() = %d, %v; want 2", expired, err)
	}
	halted, _ := f.m.HaltedOperators(ctx)
	if _, isHalted, _ := f.m.Halted(ctx, "MTN"); isHalted || len(halted) != 0 {
		t.Error("operator still halted after Clear")
	}
	if _, err := f.m.Clear(ctx, "Zamtel"); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("Clear(Zamtel) error = %v", err)
	}
}

func TestInitiateOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		exec       *fakeExecutor
		wantErr    error
		wantStatus model.TransactionStatus
		noReply    bool
	}{
		{name: "accepted", exec: &fakeExecutor{reply: "Request received", ok: true}, wantStatus: model.StatusPending},
		{name: "rejected", exec: &fakeExecutor{reply: "Operation not supported", ok: true}, wantStatus: model.StatusFailure},
		{name: "no reply", exec: &fakeExecutor{}, wantStatus: model.StatusQueued, noReply: true},
		{name: "transport down", exec: &fakeExecutor{err: transport.ErrTransportUnavailable}, wantErr: transport.ErrTransportUnavailable, wantStatus: model.StatusQueued},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.m.exec = tt.exec
			ctx := context.Background()

			queued, err := f.m.Enqueue(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"})
			if err != nil {
				t.Fatal(err)
			}
			res, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Crux: "0964571227", Amount: "100MB"}, false)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Initiate() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && res.NoReply != tt.noReply {
				t.Errorf("NoReply = %v, want %v", res.NoReply, tt.noReply)
			}
			if tt.noReply && res.Message() != "Please try again later!" {
				t.Errorf("Message() = %q", res.Message())
			}
			if got := f.reload(t, queued.ID); got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestRechargeUsesRechargeTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.m.Initiate(ctx, Request{SIMID: f.mtn.ID, Kind: model.KindRecharge, Crux: " 5555 1234 "}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transaction.RechargeCode() != "5555 1234" || res.Transaction.Destination() != "" {
		t.Errorf("transaction = %+v", res.Transaction)
	}
	if calls := f.exec.calls(); len(calls) != 1 || calls[0] != "modem0 *123*5555 1234#" {
		t.Errorf("executor calls = %v", calls)
	}
}

func TestPurchaserDiscardsUndiallableItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// written around Enqueue, e.g. by an older import
	bad := &model.Transaction{Ref: "bad", Kind: model.KindBundlePurchase, SIMID: f.mtn.ID, Operator: "MTN",
		Crux: "+260964571227", Amount: "100MB", Status: model.StatusQueued}
	if err := f.st.CreateTransaction(ctx, bad); err != nil {
		t.Fatal(err)
	}
	f.exec.ok = false

	p := NewPurchaser(f.m, f.st, PurchaserConfig{})
	if err := p.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	got := f.reload(t, bad.ID)
	if got.Status != model.StatusFailure || !strings.Contains(got.Note, "international prefix") {
		t.Errorf("discarded = %+v", got)
	}
	if err := f.m.Discard(ctx, bad.ID, "again"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("Discard() twice error = %v, want ErrNotQueued", err)
	}
}

func TestPurchaserRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cycles := 0
	f.clock.onAfter = func(time.Duration) {
		cycles++
		if cycles == 3 {
			cancel()
		}
	}
	p := NewPurchaser(f.m, f.st, PurchaserConfig{})
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
