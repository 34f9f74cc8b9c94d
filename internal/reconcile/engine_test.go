package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orderup/agent/internal/coinbase"
	"github.com/orderup/agent/internal/database"
	"github.com/orderup/agent/internal/ledger"
)

// fakeExchange scripts the exchange side of a scenario and counts calls.
type fakeExchange struct {
	mu sync.Mutex

	openOrders []coinbase.OpenOrder

	createResults []createResult
	createCalls   int

	statusByRemote map[string]coinbase.OpenOrder
	statusErr      map[string]error
	statusCalls    int

	byClient        map[string]coinbase.OpenOrder
	clientLookupErr error
}

type createResult struct {
	remoteID string
	err      error
}

func (f *fakeExchange) ListOpenOrders(ctx context.Context) ([]coinbase.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]coinbase.OpenOrder(nil), f.openOrders...), nil
}

func (f *fakeExchange) GetOrder(ctx context.Context, remoteID string) (*coinbase.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if err, ok := f.statusErr[remoteID]; ok {
		return nil, err
	}
	if ro, ok := f.statusByRemote[remoteID]; ok {
		return &ro, nil
	}
	return nil, coinbase.APIError{Code: "NOT_FOUND", Message: "unknown order " + remoteID}
}

func (f *fakeExchange) GetOrderByClientID(ctx context.Context, clientOrderID string) (*coinbase.OpenOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clientLookupErr != nil {
		return nil, f.clientLookupErr
	}
	if ro, ok := f.byClient[clientOrderID]; ok {
		return &ro, nil
	}
	return nil, coinbase.APIError{Code: "NOT_FOUND", Message: "no order with client id " + clientOrderID}
}

func (f *fakeExchange) CreateOrder(ctx context.Context, req coinbase.CreateOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createResults) == 0 {
		return "", &coinbase.TransportError{Op: "create", Err: errors.New("unscripted call")}
	}
	res := f.createResults[0]
	if len(f.createResults) > 1 {
		f.createResults = f.createResults[1:]
	}
	return res.remoteID, res.err
}

func newTestEngine(t *testing.T, fake *fakeExchange, graceWindow time.Duration) (*Engine, *ledger.Database) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	orders := ledger.NewDatabase(db)
	return NewEngine(fake, orders, 3, graceWindow), orders
}

func newPendingOrder(t *testing.T, orders *ledger.Database) *ledger.Order {
	t.Helper()
	order := &ledger.Order{
		ProductID: "BTC-USDC",
		Side:      "BUY",
		Price:     "30000.00",
		Amount:    "1.2345",
	}
	if err := orders.Create(order, "key-"+time.Now().Format("15:04:05.000000000")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return order
}

func advanceTo(t *testing.T, orders *ledger.Database, localID string, states []ledger.State, remoteID string) {
	t.Helper()
	prev := ledger.StatePending
	for _, next := range states {
		var fields map[string]any
		if next == ledger.StateAcknowledged && remoteID != "" {
			fields = map[string]any{"remote_id": remoteID}
		}
		if err := orders.Transition(localID, prev, next, fields); err != nil {
			t.Fatalf("Transition(%s->%s) error = %v", prev, next, err)
		}
		prev = next
	}
}

func TestSubmitAcknowledgesWithRemoteID(t *testing.T) {
	fake := &fakeExchange{createResults: []createResult{{remoteID: "R1"}}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)

	if err := engine.Submit(context.Background(), order.LocalID); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := orders.Get(order.LocalID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != ledger.StateAcknowledged || got.RemoteID != "R1" {
		t.Fatalf("order = state %s remote %q, want ACKNOWLEDGED R1", got.State, got.RemoteID)
	}
	if fake.createCalls != 1 {
		t.Fatalf("create calls = %d, want 1", fake.createCalls)
	}
}

func TestSubmitOnAcknowledgedOrderMakesNoNetworkCall(t *testing.T) {
	fake := &fakeExchange{createResults: []createResult{{remoteID: "R2"}}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID, []ledger.State{ledger.StateSubmitting, ledger.StateAcknowledged}, "R1")

	err := engine.Submit(context.Background(), order.LocalID)
	if !errors.Is(err, ErrNotSubmittable) {
		t.Fatalf("Submit() error = %v, want ErrNotSubmittable", err)
	}
	if fake.createCalls != 0 {
		t.Fatalf("create calls = %d, want 0", fake.createCalls)
	}

	got, _ := orders.Get(order.LocalID)
	if got.RemoteID != "R1" {
		t.Fatalf("remote id = %q, want unchanged R1", got.RemoteID)
	}
}

func TestSubmitTransientFailuresExhaustAttempts(t *testing.T) {
	transport := &coinbase.TransportError{Op: "create", Err: errors.New("connection reset")}
	fake := &fakeExchange{createResults: []createResult{{err: transport}}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)

	if err := engine.Submit(context.Background(), order.LocalID); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := orders.Get(order.LocalID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != ledger.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if got.RemoteID != "" {
		t.Fatalf("remote id = %q, want none", got.RemoteID)
	}
	if got.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", got.Attempts)
	}
	if fake.createCalls != 3 {
		t.Fatalf("create calls = %d, want 3", fake.createCalls)
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	transport := &coinbase.TransportError{Op: "create", Err: errors.New("timeout")}
	fake := &fakeExchange{createResults: []createResult{{err: transport}, {remoteID: "R1"}}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)

	if err := engine.Submit(context.Background(), order.LocalID); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateAcknowledged || got.RemoteID != "R1" {
		t.Fatalf("order = state %s remote %q, want ACKNOWLEDGED R1", got.State, got.RemoteID)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1 recorded failure", got.Attempts)
	}
	if fake.createCalls != 2 {
		t.Fatalf("create calls = %d, want 2", fake.createCalls)
	}
}

func TestSubmitNonTransientRejectionIsTerminal(t *testing.T) {
	fake := &fakeExchange{createResults: []createResult{
		{err: coinbase.APIError{Code: "INSUFFICIENT_FUND", Message: "not enough quote balance"}},
	}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)

	if err := engine.Submit(context.Background(), order.LocalID); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if fake.createCalls != 1 {
		t.Fatalf("create calls = %d, want 1 (no retry of a deterministic rejection)", fake.createCalls)
	}
}

func TestReconcileAcknowledgedMatchBecomesOpen(t *testing.T) {
	fake := &fakeExchange{openOrders: []coinbase.OpenOrder{
		{OrderID: "R1", ProductID: "BTC-USDC", Status: coinbase.StatusOpen},
	}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID, []ledger.State{ledger.StateSubmitting, ledger.StateAcknowledged}, "R1")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateOpen {
		t.Fatalf("state = %s, want OPEN", got.State)
	}
	if got.LastReconciledAt == nil {
		t.Fatalf("last_reconciled_at not recorded")
	}
	if len(result.Corrected) != 1 || result.Corrected[0].To != ledger.StateOpen {
		t.Fatalf("corrected = %+v", result.Corrected)
	}
	if len(result.UnknownRemote) != 0 {
		t.Fatalf("matched remote order reported as unknown: %+v", result.UnknownRemote)
	}
}

func TestReconcileOpenMatchIsConsistent(t *testing.T) {
	fake := &fakeExchange{openOrders: []coinbase.OpenOrder{{OrderID: "R1", Status: coinbase.StatusOpen}}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID,
		[]ledger.State{ledger.StateSubmitting, ledger.StateAcknowledged, ledger.StateOpen}, "R1")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(result.Consistent) != 1 || result.Consistent[0] != order.LocalID {
		t.Fatalf("consistent = %+v", result.Consistent)
	}
	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateOpen || got.LastReconciledAt == nil {
		t.Fatalf("order = %+v", got)
	}
}

func TestReconcileOpenAbsentRemoteFilledIsTerminal(t *testing.T) {
	fake := &fakeExchange{
		statusByRemote: map[string]coinbase.OpenOrder{
			"R1": {OrderID: "R1", Status: coinbase.StatusFilled},
		},
	}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID,
		[]ledger.State{ledger.StateSubmitting, ledger.StateAcknowledged, ledger.StateOpen}, "R1")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if fake.statusCalls != 1 {
		t.Fatalf("status calls = %d, want 1 explicit disambiguation fetch", fake.statusCalls)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateFilled {
		t.Fatalf("state = %s, want FILLED", got.State)
	}
	if len(result.Corrected) != 1 || result.Corrected[0].To != ledger.StateFilled {
		t.Fatalf("corrected = %+v", result.Corrected)
	}

	// Terminal means terminal: a stale pass cannot move it again.
	err = orders.Transition(order.LocalID, ledger.StateOpen, ledger.StateCancelled, nil)
	if !errors.Is(err, ledger.ErrStaleState) {
		t.Fatalf("post-terminal CAS error = %v, want ErrStaleState", err)
	}
}

func TestReconcileAbsentWithoutStatusIsNeverInferred(t *testing.T) {
	fake := &fakeExchange{
		statusErr: map[string]error{
			"R1": &coinbase.TransportError{Op: "get order", Err: errors.New("timeout")},
		},
	}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID,
		[]ledger.State{ledger.StateSubmitting, ledger.StateAcknowledged, ledger.StateOpen}, "R1")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0].LocalID != order.LocalID {
		t.Fatalf("conflicts = %+v", result.Conflicts)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateOpen {
		t.Fatalf("state = %s, want unchanged OPEN until status is known", got.State)
	}
}

func TestReconcileOrphanedSubmissionFails(t *testing.T) {
	fake := &fakeExchange{}
	engine, orders := newTestEngine(t, fake, time.Nanosecond)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID, []ledger.State{ledger.StateSubmitting}, "")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(result.Orphaned) != 1 || result.Orphaned[0] != order.LocalID {
		t.Fatalf("orphaned = %+v", result.Orphaned)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateFailed {
		t.Fatalf("state = %s, want FAILED", got.State)
	}
	if got.FailureReason != "orphaned submission" {
		t.Fatalf("failure reason = %q", got.FailureReason)
	}
	if got.RemoteID != "" {
		t.Fatalf("remote id = %q, want none", got.RemoteID)
	}
}

func TestReconcileSubmittingWithinGraceWindowLeftAlone(t *testing.T) {
	fake := &fakeExchange{}
	engine, orders := newTestEngine(t, fake, time.Hour)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID, []ledger.State{ledger.StateSubmitting}, "")

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(result.Orphaned) != 0 || len(result.Conflicts) != 0 {
		t.Fatalf("result = %+v, want fresh SUBMITTING order untouched", result)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateSubmitting {
		t.Fatalf("state = %s, want SUBMITTING", got.State)
	}
}

func TestReconcileRecoversLostAcknowledgement(t *testing.T) {
	fake := &fakeExchange{}
	engine, orders := newTestEngine(t, fake, time.Nanosecond)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID, []ledger.State{ledger.StateSubmitting}, "")

	// The exchange accepted the order but the acknowledgement write was
	// lost; the open set still carries our client order id.
	fake.openOrders = []coinbase.OpenOrder{
		{OrderID: "R9", ClientOrderID: order.LocalID, Status: coinbase.StatusOpen},
	}

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateOpen || got.RemoteID != "R9" {
		t.Fatalf("order = state %s remote %q, want OPEN R9", got.State, got.RemoteID)
	}
	if len(result.Corrected) != 1 {
		t.Fatalf("corrected = %+v", result.Corrected)
	}
	if len(result.UnknownRemote) != 0 {
		t.Fatalf("claimed remote order reported as unknown: %+v", result.UnknownRemote)
	}
}

func TestReconcileOrphanResolvedThroughLookup(t *testing.T) {
	fake := &fakeExchange{}
	engine, orders := newTestEngine(t, fake, time.Nanosecond)
	order := newPendingOrder(t, orders)
	advanceTo(t, orders, order.LocalID, []ledger.State{ledger.StateSubmitting}, "")

	// Not in the open set because it filled immediately, but the explicit
	// lookup by correlation token still resolves it.
	fake.byClient = map[string]coinbase.OpenOrder{
		order.LocalID: {OrderID: "R5", ClientOrderID: order.LocalID, Status: coinbase.StatusFilled},
	}

	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateFilled || got.RemoteID != "R5" {
		t.Fatalf("order = state %s remote %q, want FILLED R5", got.State, got.RemoteID)
	}
}

func TestReconcileUnknownRemoteReportedNotAdopted(t *testing.T) {
	fake := &fakeExchange{openOrders: []coinbase.OpenOrder{
		{OrderID: "R-foreign", ClientOrderID: "someone-else", Status: coinbase.StatusOpen},
	}}
	engine, orders := newTestEngine(t, fake, time.Minute)

	result, err := engine.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(result.UnknownRemote) != 1 || result.UnknownRemote[0].OrderID != "R-foreign" {
		t.Fatalf("unknown remote = %+v", result.UnknownRemote)
	}

	if _, err := orders.GetByRemoteID("R-foreign"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("foreign order was adopted into the ledger")
	}
}

func TestReconcilePassesAreSerialized(t *testing.T) {
	fake := &fakeExchange{}
	engine, _ := newTestEngine(t, fake, time.Minute)

	engine.reconcileMu.Lock()
	defer engine.reconcileMu.Unlock()

	if _, err := engine.Reconcile(context.Background()); !errors.Is(err, ErrReconcileInProgress) {
		t.Fatalf("Reconcile() error = %v, want ErrReconcileInProgress", err)
	}
}

func TestSubmitAndReconcileEndToEnd(t *testing.T) {
	fake := &fakeExchange{createResults: []createResult{{remoteID: "R1"}}}
	engine, orders := newTestEngine(t, fake, time.Minute)
	order := newPendingOrder(t, orders)

	if err := engine.Submit(context.Background(), order.LocalID); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	fake.mu.Lock()
	fake.openOrders = []coinbase.OpenOrder{{OrderID: "R1", ClientOrderID: order.LocalID, Status: coinbase.StatusOpen}}
	fake.mu.Unlock()
	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	got, _ := orders.Get(order.LocalID)
	if got.State != ledger.StateOpen {
		t.Fatalf("state = %s, want OPEN", got.State)
	}

	fake.mu.Lock()
	fake.openOrders = nil
	fake.statusByRemote = map[string]coinbase.OpenOrder{"R1": {OrderID: "R1", Status: coinbase.StatusFilled}}
	fake.mu.Unlock()
	if _, err := engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	got, _ = orders.Get(order.LocalID)
	if got.State != ledger.StateFilled {
		t.Fatalf("state = %s, want FILLED", got.State)
	}
}
