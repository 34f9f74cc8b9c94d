package coinbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	accountsPath    = "/api/v3/brokerage/accounts"
	productsPath    = "/api/v3/brokerage/products"
	bestBidAskPath  = "/api/v3/brokerage/best_bid_ask"
	batchOrdersPath = "/api/v3/brokerage/orders/historical/batch"
	orderPath       = "/api/v3/brokerage/orders/historical"
	createOrderPath = "/api/v3/brokerage/orders"
	cancelPath      = "/api/v3/brokerage/orders/batch_cancel"
)

// Client issues authenticated requests against the Coinbase brokerage API.
// It holds no order state of its own; a persistent HTTP connection may be
// reused across calls but no ordering on the wire is assumed.
type Client struct {
	signer     *Signer
	baseURL    string
	httpClient *http.Client
}

// Options configures a Client. BaseURL defaults to the production host and
// Timeout bounds every request; a timed-out call is reported as a transport
// failure, never treated as success.
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Timeout   time.Duration
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		signer:     NewSigner(opts.APIKey, opts.APISecret),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ListAccounts returns the brokerage account balances.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	body, err := c.doRequest(ctx, http.MethodGet, accountsPath, "", nil)
	if err != nil {
		return nil, err
	}
	var resp accountsResponse
	if err := decode(body, &resp, "accounts"); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// ListProducts returns every market pair the exchange lists.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	body, err := c.doRequest(ctx, http.MethodGet, productsPath, "", nil)
	if err != nil {
		return nil, err
	}
	var resp productsResponse
	if err := decode(body, &resp, "products"); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// BestBidAsk returns the top of book for a single product.
func (c *Client) BestBidAsk(ctx context.Context, productID string) (*PriceBook, error) {
	query := "product_ids=" + url.QueryEscape(productID)
	body, err := c.doRequest(ctx, http.MethodGet, bestBidAskPath, query, nil)
	if err != nil {
		return nil, err
	}
	var resp bestBidAskResponse
	if err := decode(body, &resp, "best bid/ask"); err != nil {
		return nil, err
	}
	if len(resp.PriceBooks) == 0 {
		return nil, APIError{Code: "NOT_FOUND", Message: "no price book for " + productID}
	}
	return &resp.PriceBooks[0], nil
}

// ListOpenOrders returns the exchange's authoritative set of orders still
// open on the account.
func (c *Client) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	body, err := c.doRequest(ctx, http.MethodGet, batchOrdersPath, "order_status=OPEN", nil)
	if err != nil {
		return nil, err
	}
	var resp listOrdersResponse
	if err := decode(body, &resp, "open orders"); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

// GetOrder fetches one order by its exchange-assigned id, including terminal
// statuses that no longer appear in the open set.
func (c *Client) GetOrder(ctx context.Context, remoteID string) (*OpenOrder, error) {
	body, err := c.doRequest(ctx, http.MethodGet, orderPath+"/"+url.PathEscape(remoteID), "", nil)
	if err != nil {
		return nil, err
	}
	var resp getOrderResponse
	if err := decode(body, &resp, "order"); err != nil {
		return nil, err
	}
	return &resp.Order, nil
}

// GetOrderByClientID resolves an order through the caller-assigned client
// order id. Used when a creation request's outcome is unknown and the
// exchange-assigned id was never recorded.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*OpenOrder, error) {
	query := "client_order_id=" + url.QueryEscape(clientOrderID)
	body, err := c.doRequest(ctx, http.MethodGet, batchOrdersPath, query, nil)
	if err != nil {
		return nil, err
	}
	var resp listOrdersResponse
	if err := decode(body, &resp, "order lookup"); err != nil {
		return nil, err
	}
	for i := range resp.Orders {
		if resp.Orders[i].ClientOrderID == clientOrderID {
			return &resp.Orders[i], nil
		}
	}
	return nil, APIError{Code: "NOT_FOUND", Message: "no order with client id " + clientOrderID}
}

// CreateOrder submits a limit order and returns the exchange-assigned id.
// The exchange does not guarantee idempotency for this endpoint; callers
// must not invoke it twice for the same client order id without first
// checking ledger state.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, createOrderPath, "", req)
	if err != nil {
		return "", err
	}
	var resp createOrderResponse
	if err := decode(body, &resp, "create order"); err != nil {
		return "", err
	}
	if !resp.Success {
		return "", APIError{
			Code:    resp.ErrorResponse.Error,
			Message: resp.ErrorResponse.Message,
		}
	}
	log.Debug().
		Str("order_id", resp.SuccessResponse.OrderID).
		Str("client_order_id", resp.SuccessResponse.ClientOrderID).
		Str("product_id", resp.SuccessResponse.ProductID).
		Msg("order accepted by exchange")
	return resp.SuccessResponse.OrderID, nil
}

// CancelOrder requests cancellation of an open order by its exchange id.
func (c *Client) CancelOrder(ctx context.Context, remoteID string) error {
	payload := struct {
		OrderIDs []string `json:"order_ids"`
	}{OrderIDs: []string{remoteID}}
	_, err := c.doRequest(ctx, http.MethodPost, cancelPath, "", payload)
	return err
}

// doRequest signs and issues one HTTP call. The signature covers the path
// without the query string, matching what the exchange verifies.
func (c *Client) doRequest(ctx context.Context, method, path, query string, payload any) ([]byte, error) {
	var bodyStr string
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", path, err)
		}
		bodyStr = string(raw)
	}

	sig, err := c.signer.Sign(method, path, bodyStr)
	if err != nil {
		return nil, err
	}

	urlStr := c.baseURL + path
	if query != "" {
		urlStr += "?" + query
	}
	var reqBody io.Reader
	if bodyStr != "" {
		reqBody = bytes.NewReader([]byte(bodyStr))
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("CB-ACCESS-KEY", sig.Key)
	req.Header.Set("CB-ACCESS-SIGN", sig.Digest)
	req.Header.Set("CB-ACCESS-TIMESTAMP", strconv.FormatInt(sig.Timestamp, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode/100 != 2 {
		return nil, classifyHTTPError(method+" "+path, resp.StatusCode, raw)
	}
	return raw, nil
}

// classifyHTTPError separates exchange-reported rejections (structured
// {error, message} body) from transport-level failures.
func classifyHTTPError(op string, status int, body []byte) error {
	var structured struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Error != "" {
		return APIError{Code: structured.Error, Message: structured.Message}
	}
	if status == http.StatusTooManyRequests {
		return APIError{Code: "RATE_LIMIT_EXCEEDED", Message: strings.TrimSpace(string(body))}
	}
	return &TransportError{
		Op:  op,
		Err: fmt.Errorf("http status %d: %s", status, strings.TrimSpace(string(body))),
	}
}

func decode(body []byte, v any, what string) error {
	if err := json.Unmarshal(body, v); err != nil {
		return &TransportError{Op: "decoding " + what, Err: err}
	}
	return nil
}
