package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/orderup/agent/internal/coinbase"
	"github.com/orderup/agent/internal/ledger"
)

var (
	// ErrNotSubmittable indicates Submit was called on an order that is no
	// longer PENDING. The guard exists so a second Submit can never issue a
	// second creation request for the same order.
	ErrNotSubmittable = errors.New("order is not pending submission")
	// ErrReconcileInProgress indicates another reconciliation pass holds
	// the slot. Passes are serialized so one pass never reads a snapshot
	// the previous pass is still writing against.
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
)

// ExchangeClient is the slice of the exchange API the engine depends on.
// *coinbase.Client satisfies it; tests substitute doubles.
type ExchangeClient interface {
	ListOpenOrders(ctx context.Context) ([]coinbase.OpenOrder, error)
	GetOrder(ctx context.Context, remoteID string) (*coinbase.OpenOrder, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*coinbase.OpenOrder, error)
	CreateOrder(ctx context.Context, req coinbase.CreateOrderRequest) (string, error)
}

// Correction records a state change applied during a pass.
type Correction struct {
	LocalID string       `json:"local_id"`
	From    ledger.State `json:"from"`
	To      ledger.State `json:"to"`
}

// Conflict records an order the pass could not resolve; it stays untouched
// and is retried next cycle.
type Conflict struct {
	LocalID string `json:"local_id"`
	Reason  string `json:"reason"`
}

// Result is the report of a single reconciliation pass. It is not persisted;
// its side effects (ledger transitions) are.
type Result struct {
	StartedAt     time.Time            `json:"started_at"`
	FinishedAt    time.Time            `json:"finished_at"`
	Consistent    []string             `json:"consistent"`
	Corrected     []Correction         `json:"corrected"`
	Orphaned      []string             `json:"orphaned"`
	Conflicts     []Conflict           `json:"conflicts"`
	UnknownRemote []coinbase.OpenOrder `json:"unknown_remote"`
}

// Engine keeps the local ledger and the exchange's order book consistent.
// Per-order races are resolved by the ledger's CAS discipline rather than a
// global lock, so unrelated orders always progress independently.
type Engine struct {
	client ExchangeClient
	orders *ledger.Database

	maxAttempts int
	graceWindow time.Duration

	reconcileMu sync.Mutex
}

func NewEngine(client ExchangeClient, orders *ledger.Database, maxAttempts int, graceWindow time.Duration) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if graceWindow <= 0 {
		graceWindow = 2 * time.Minute
	}
	return &Engine{
		client:      client,
		orders:      orders,
		maxAttempts: maxAttempts,
		graceWindow: graceWindow,
	}
}

// Submit pushes a PENDING order to the exchange. The PENDING -> SUBMITTING
// CAS is the single-shot gate: only the caller that wins it issues a network
// create, and the durable writes before and after the call are separate
// transactions so a crash in between leaves a recoverable SUBMITTING record
// for the orphaned-submission path.
func (e *Engine) Submit(ctx context.Context, localID string) error {
	logger := log.With().Str("component", "reconcile").Str("local_id", localID).Logger()

	backoffCfg := backoff.NewExponentialBackOff()

	for {
		order, err := e.orders.Get(localID)
		if err != nil {
			return err
		}
		if order.State != ledger.StatePending {
			return fmt.Errorf("%w: order %s is %s", ErrNotSubmittable, localID, order.State)
		}

		if err := e.orders.Transition(localID, ledger.StatePending, ledger.StateSubmitting, nil); err != nil {
			return err
		}

		remoteID, err := e.client.CreateOrder(ctx, coinbase.CreateOrderRequest{
			ClientOrderID: order.LocalID,
			ProductID:     order.ProductID,
			Side:          order.Side,
			Configuration: coinbase.OrderConfiguration{
				LimitGTC: &coinbase.LimitGTC{
					BaseSize:   order.Amount,
					LimitPrice: order.Price,
				},
			},
		})
		if err == nil {
			logger.Info().Str("remote_id", remoteID).Msg("order acknowledged")
			return e.orders.Transition(localID, ledger.StateSubmitting, ledger.StateAcknowledged,
				map[string]any{"remote_id": remoteID})
		}

		attempts := order.Attempts + 1

		if !coinbase.IsTransient(err) {
			logger.Warn().Err(err).Msg("exchange rejected order")
			return e.orders.Transition(localID, ledger.StateSubmitting, ledger.StateFailed,
				map[string]any{"attempts": attempts, "failure_reason": err.Error()})
		}

		if attempts >= e.maxAttempts {
			logger.Warn().Err(err).Int("attempts", attempts).Msg("submission retries exhausted")
			return e.orders.Transition(localID, ledger.StateSubmitting, ledger.StateFailed,
				map[string]any{"attempts": attempts, "failure_reason": "submission retries exhausted: " + err.Error()})
		}

		logger.Debug().Err(err).Int("attempts", attempts).Msg("transient submission failure, will retry")
		if err := e.orders.Transition(localID, ledger.StateSubmitting, ledger.StatePending,
			map[string]any{"attempts": attempts}); err != nil {
			return err
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Reconcile fetches the exchange's open-order set once and resolves every
// local order in {SUBMITTING, ACKNOWLEDGED, OPEN} against it. Per-order
// faults land in the conflict set and never abort the pass for other orders;
// only storage loss aborts the cycle entirely.
func (e *Engine) Reconcile(ctx context.Context) (*Result, error) {
	if !e.reconcileMu.TryLock() {
		return nil, ErrReconcileInProgress
	}
	defer e.reconcileMu.Unlock()

	logger := log.With().Str("component", "reconcile").Logger()
	result := &Result{StartedAt: time.Now()}

	if err := e.orders.Ping(); err != nil {
		return nil, err
	}

	remote, err := e.client.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}

	locals, err := e.orders.ListByState(ledger.StateSubmitting, ledger.StateAcknowledged, ledger.StateOpen)
	if err != nil {
		return nil, err
	}

	byRemoteID := make(map[string]coinbase.OpenOrder, len(remote))
	byClientID := make(map[string]coinbase.OpenOrder, len(remote))
	for _, ro := range remote {
		byRemoteID[ro.OrderID] = ro
		if ro.ClientOrderID != "" {
			byClientID[ro.ClientOrderID] = ro
		}
	}

	claimed := make(map[string]bool, len(locals))
	for i := range locals {
		local := locals[i]
		var err error
		switch local.State {
		case ledger.StateSubmitting:
			err = e.resolveSubmitting(ctx, &local, byClientID, claimed, result)
		default:
			err = e.resolveTracked(ctx, &local, byRemoteID, claimed, result)
		}
		if err != nil {
			if errors.Is(err, ledger.ErrStorageUnavailable) {
				return nil, err
			}
			result.Conflicts = append(result.Conflicts, Conflict{LocalID: local.LocalID, Reason: err.Error()})
		}
	}

	// Remote orders nobody local claims are reported, never adopted: intent
	// cannot be reconstructed from the exchange side.
	for _, ro := range remote {
		if !claimed[ro.OrderID] {
			result.UnknownRemote = append(result.UnknownRemote, ro)
		}
	}

	result.FinishedAt = time.Now()
	logger.Info().
		Int("consistent", len(result.Consistent)).
		Int("corrected", len(result.Corrected)).
		Int("orphaned", len(result.Orphaned)).
		Int("conflicts", len(result.Conflicts)).
		Int("unknown_remote", len(result.UnknownRemote)).
		Msg("reconciliation pass complete")
	return result, nil
}

// resolveSubmitting handles orders whose creation outcome is unknown. A match
// in the open set (by client order id) means the create succeeded and only
// the acknowledgement write was lost. Past the grace window with no match,
// the order is looked up explicitly; if the exchange has never seen it, it is
// failed as an orphaned submission rather than silently resubmitted, since a
// duplicate order costs more than operator review.
func (e *Engine) resolveSubmitting(ctx context.Context, local *ledger.Order, byClientID map[string]coinbase.OpenOrder, claimed map[string]bool, result *Result) error {
	if ro, ok := byClientID[local.LocalID]; ok {
		claimed[ro.OrderID] = true
		return e.recoverAcknowledgement(local, ro, result)
	}

	if time.Since(local.UpdatedAt) < e.graceWindow {
		return nil
	}

	ro, err := e.client.GetOrderByClientID(ctx, local.LocalID)
	if err != nil {
		if apiErr, ok := coinbase.AsAPIError(err); ok && apiErr.Code == "NOT_FOUND" {
			if err := e.orders.Transition(local.LocalID, ledger.StateSubmitting, ledger.StateFailed,
				map[string]any{"failure_reason": "orphaned submission"}); err != nil {
				return err
			}
			result.Orphaned = append(result.Orphaned, local.LocalID)
			return nil
		}
		return fmt.Errorf("orphan lookup: %w", err)
	}

	claimed[ro.OrderID] = true
	return e.recoverAcknowledgement(local, *ro, result)
}

// recoverAcknowledgement records the remote id a crashed or failed submit
// never persisted, then walks the order to wherever the exchange says it is.
func (e *Engine) recoverAcknowledgement(local *ledger.Order, ro coinbase.OpenOrder, result *Result) error {
	if err := e.orders.Transition(local.LocalID, ledger.StateSubmitting, ledger.StateAcknowledged,
		map[string]any{"remote_id": ro.OrderID}); err != nil {
		return err
	}
	target := stateForStatus(ro.Status)
	if target == "" {
		result.Conflicts = append(result.Conflicts, Conflict{
			LocalID: local.LocalID,
			Reason:  "unexpected exchange status " + ro.Status,
		})
		return nil
	}
	if err := e.orders.Transition(local.LocalID, ledger.StateAcknowledged, target,
		map[string]any{"last_reconciled_at": time.Now()}); err != nil {
		return err
	}
	result.Corrected = append(result.Corrected, Correction{LocalID: local.LocalID, From: ledger.StateSubmitting, To: target})
	return nil
}

// resolveTracked handles ACKNOWLEDGED and OPEN orders, which carry a remote
// id. Absence from the open set alone is ambiguous (filled, cancelled and
// expired all look identical), so a terminal state is only written after an
// explicit status fetch disambiguates it.
func (e *Engine) resolveTracked(ctx context.Context, local *ledger.Order, byRemoteID map[string]coinbase.OpenOrder, claimed map[string]bool, result *Result) error {
	now := time.Now()

	if ro, ok := byRemoteID[local.RemoteID]; ok {
		claimed[ro.OrderID] = true
		if local.State == ledger.StateAcknowledged {
			if err := e.orders.Transition(local.LocalID, ledger.StateAcknowledged, ledger.StateOpen,
				map[string]any{"last_reconciled_at": now}); err != nil {
				return err
			}
			result.Corrected = append(result.Corrected, Correction{LocalID: local.LocalID, From: ledger.StateAcknowledged, To: ledger.StateOpen})
			return nil
		}
		if err := e.orders.TouchReconciled(local.LocalID, now); err != nil {
			return err
		}
		result.Consistent = append(result.Consistent, local.LocalID)
		return nil
	}

	ro, err := e.client.GetOrder(ctx, local.RemoteID)
	if err != nil {
		return fmt.Errorf("status fetch for %s: %w", local.RemoteID, err)
	}

	if ro.Status == coinbase.StatusOpen {
		// Present per the status endpoint but missing from the batch
		// snapshot; trust the direct lookup and leave the order alone.
		if err := e.orders.TouchReconciled(local.LocalID, now); err != nil {
			return err
		}
		result.Consistent = append(result.Consistent, local.LocalID)
		return nil
	}

	target := stateForStatus(ro.Status)
	if target == "" || target == ledger.StateOpen {
		return fmt.Errorf("unmapped exchange status %q for %s", ro.Status, local.RemoteID)
	}
	if err := e.orders.Transition(local.LocalID, local.State, target,
		map[string]any{"last_reconciled_at": now}); err != nil {
		return err
	}
	result.Corrected = append(result.Corrected, Correction{LocalID: local.LocalID, From: local.State, To: target})
	return nil
}

func stateForStatus(status string) ledger.State {
	switch status {
	case coinbase.StatusOpen:
		return ledger.StateOpen
	case coinbase.StatusFilled:
		return ledger.StateFilled
	case coinbase.StatusCancelled:
		return ledger.StateCancelled
	case coinbase.StatusExpired:
		return ledger.StateExpired
	}
	return ""
}
