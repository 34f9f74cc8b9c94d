package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/orderup/agent/internal/coinbase"
	"github.com/orderup/agent/internal/ledger"
	"github.com/orderup/agent/internal/reconcile"
)

// ErrInvalidOrder indicates the create request failed validation.
var ErrInvalidOrder = errors.New("invalid order request")

// MarketClient is the read-only slice of the exchange API the operator
// surface passes through.
type MarketClient interface {
	ListAccounts(ctx context.Context) ([]coinbase.Account, error)
	ListProducts(ctx context.Context) ([]coinbase.Product, error)
	BestBidAsk(ctx context.Context, productID string) (*coinbase.PriceBook, error)
}

// CreateOrderRequest is the operator-facing payload for new orders.
type CreateOrderRequest struct {
	ProductID  string     `json:"product_id" binding:"required"`
	Side       string     `json:"side"`
	Price      string     `json:"price" binding:"required"`
	Amount     string     `json:"amount" binding:"required"`
	TimeExpiry *time.Time `json:"time_expiry,omitempty"`
}

// Service wires order intake to the ledger and the reconciliation engine.
type Service struct {
	orders *ledger.Database
	engine *reconcile.Engine
	market MarketClient
}

func NewService(orders *ledger.Database, engine *reconcile.Engine, market MarketClient) *Service {
	return &Service{
		orders: orders,
		engine: engine,
		market: market,
	}
}

// CreateOrder validates and durably records a new order as PENDING. The
// record is persisted before any network submission so no order can reach
// the exchange without a local trace. A previously seen idempotency key
// returns the order it created instead of a second one.
func (s *Service) CreateOrder(req CreateOrderRequest, idempotencyKey string) (*ledger.Order, error) {
	record, err := s.orders.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record.ExpiresAt.After(time.Now()) {
		return s.orders.Get(record.ResourceID)
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	if err := validate(&req); err != nil {
		return nil, err
	}

	order := &ledger.Order{
		ProductID:  req.ProductID,
		Side:       req.Side,
		Price:      req.Price,
		Amount:     req.Amount,
		TimeExpiry: req.TimeExpiry,
	}
	if err := s.orders.Create(order, idempotencyKey); err != nil {
		return nil, err
	}
	return order, nil
}

// SubmitAsync pushes the order to the exchange in the background so order
// intake never blocks on exchange latency.
func (s *Service) SubmitAsync(localID string) {
	go func() {
		if err := s.engine.Submit(context.Background(), localID); err != nil {
			log.Error().Err(err).Str("local_id", localID).Msg("background submission failed")
		}
	}()
}

// GetOrder returns the ledger's view of one order.
func (s *Service) GetOrder(localID string) (*ledger.Order, error) {
	return s.orders.Get(localID)
}

// Reconcile runs one on-demand reconciliation pass.
func (s *Service) Reconcile(ctx context.Context) (*reconcile.Result, error) {
	return s.engine.Reconcile(ctx)
}

func validate(req *CreateOrderRequest) error {
	if req.Side == "" {
		req.Side = "BUY"
	}
	if req.Side != "BUY" && req.Side != "SELL" {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if req.ProductID == "" {
		return fmt.Errorf("%w: product_id is required", ErrInvalidOrder)
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		return fmt.Errorf("%w: price must be a positive decimal", ErrInvalidOrder)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be a positive decimal", ErrInvalidOrder)
	}
	if req.TimeExpiry != nil && req.TimeExpiry.Before(time.Now()) {
		return fmt.Errorf("%w: time_expiry is in the past", ErrInvalidOrder)
	}
	return nil
}
