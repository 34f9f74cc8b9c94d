package coinbase

// Account is a single brokerage account balance entry.
type Account struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	Currency  string `json:"currency"`
	Available struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"available_balance"`
}

type accountsResponse struct {
	Accounts []Account `json:"accounts"`
}

// Product describes a tradable market pair.
type Product struct {
	ProductID     string `json:"product_id"`
	Price         string `json:"price"`
	BaseCurrency  string `json:"base_currency_id"`
	QuoteCurrency string `json:"quote_currency_id"`
	Status        string `json:"status"`
}

type productsResponse struct {
	Products []Product `json:"products"`
}

// PriceBook is the best bid/ask snapshot for one product.
type PriceBook struct {
	ProductID string       `json:"product_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bestBidAskResponse struct {
	PriceBooks []PriceBook `json:"pricebooks"`
}

// OpenOrder is the exchange's view of an order, as returned by the
// historical-orders batch endpoint. This is the ground truth the
// reconciliation engine compares the local ledger against.
type OpenOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	ProductID     string `json:"product_id"`
	Status        string `json:"status"`
	Side          string `json:"side"`
}

// Exchange-reported order statuses the engine maps to ledger states.
const (
	StatusOpen      = "OPEN"
	StatusFilled    = "FILLED"
	StatusCancelled = "CANCELLED"
	StatusExpired   = "EXPIRED"
	StatusFailed    = "FAILED"
)

type listOrdersResponse struct {
	Orders []OpenOrder `json:"orders"`
}

type getOrderResponse struct {
	Order OpenOrder `json:"order"`
}

// CreateOrderRequest is the payload for the order-creation endpoint. The
// client order id is caller-assigned and doubles as the correlation token for
// orphaned-submission recovery.
type CreateOrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          string             `json:"side"`
	Configuration OrderConfiguration `json:"order_configuration"`
}

type OrderConfiguration struct {
	LimitGTC *LimitGTC `json:"limit_limit_gtc,omitempty"`
}

type LimitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
}

type createOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ProductID     string `json:"product_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error_response"`
}
