package exchange

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/nntaoli-project/goex"
	"github.com/nntaoli-project/goex/binance"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"ordersync/src/fault"
	"ordersync/src/model"
)

// BinanceAdapter implements Adapter on top of the goex Binance client.
// goex calls carry no context; the per-call deadline is enforced by the
// underlying http.Client timeout configured at construction.
type BinanceAdapter struct {
	api goex.API
}

// NewBinanceAdapter builds the adapter. An empty baseURL selects the global
// endpoint.
func NewBinanceAdapter(apiKey, apiSecret, baseURL string, callTimeout time.Duration) *BinanceAdapter {
	if baseURL == "" {
		baseURL = binance.GLOBAL_API_BASE_URL
	}

	apiConfig := &goex.APIConfig{
		HttpClient:   &http.Client{Timeout: callTimeout},
		Endpoint:     baseURL,
		ApiKey:       apiKey,
		ApiSecretKey: apiSecret,
	}

	return &BinanceAdapter{api: binance.NewWithConfig(apiConfig)}
}

// WithAPI allows overriding the underlying goex client. Useful for tests.
func (a *BinanceAdapter) WithAPI(api goex.API) *BinanceAdapter {
	return &BinanceAdapter{api: api}
}

func (a *BinanceAdapter) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fault.New(fault.Transient, "binance.SubmitOrder", err)
	}

	pair := currencyPair(spec.Symbol)
	amount := spec.Quantity.String()

	var price string
	if spec.Price != nil {
		price = spec.Price.String()
	} else {
		price = "0"
	}

	logger.WithFields(map[string]interface{}{
		"adapter":  "binance",
		"op":       "SubmitOrder",
		"order_id": spec.OrderID,
		"symbol":   spec.Symbol,
		"side":     spec.Side,
		"type":     spec.OrderType,
		"qty":      amount,
	}).Debug("Submitting order to Binance")

	var (
		ord *goex.Order
		err error
	)

	switch {
	case spec.OrderType == model.OrderTypeMarket && spec.Side == model.OrderSideBuy:
		ord, err = a.api.MarketBuy(amount, price, pair)
	case spec.OrderType == model.OrderTypeMarket && spec.Side == model.OrderSideSell:
		ord, err = a.api.MarketSell(amount, price, pair)
	case spec.OrderType == model.OrderTypeLimit && spec.Side == model.OrderSideBuy:
		ord, err = a.api.LimitBuy(amount, price, pair)
	case spec.OrderType == model.OrderTypeLimit && spec.Side == model.OrderSideSell:
		ord, err = a.api.LimitSell(amount, price, pair)
	default:
		return "", fault.Errorf(fault.Rejection, "binance.SubmitOrder",
			"unsupported order side/type %s/%s", spec.Side, spec.OrderType)
	}
	if err != nil {
		return "", classify("binance.SubmitOrder", err)
	}

	exchangeID := ord.OrderID2
	if exchangeID == "" {
		exchangeID = ord.Cid
	}
	if exchangeID == "" {
		// Accepted but no id in the response: treat as a lost response, the
		// sync engine will pick the order up from the open-order list.
		return "", fault.Errorf(fault.Transient, "binance.SubmitOrder",
			"exchange accepted order without returning an id")
	}

	logger.WithFields(map[string]interface{}{
		"adapter":           "binance",
		"op":                "SubmitOrder",
		"order_id":          spec.OrderID,
		"exchange_order_id": exchangeID,
	}).Info("Order accepted by Binance")

	return exchangeID, nil
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	if err := ctx.Err(); err != nil {
		return fault.New(fault.Transient, "binance.CancelOrder", err)
	}

	ok, err := a.api.CancelOrder(exchangeOrderID, currencyPair(symbol))
	if err != nil {
		return classify("binance.CancelOrder", err)
	}
	if !ok {
		return fault.Errorf(fault.Rejection, "binance.CancelOrder",
			"exchange refused to cancel order %s", exchangeOrderID)
	}

	return nil
}

func (a *BinanceAdapter) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*RemoteOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Transient, "binance.GetOrderStatus", err)
	}

	ord, err := a.api.GetOneOrder(exchangeOrderID, currencyPair(symbol))
	if err != nil {
		if isUnknownOrder(err) {
			return nil, nil
		}
		return nil, classify("binance.GetOrderStatus", err)
	}
	if ord == nil {
		return nil, nil
	}

	remote := remoteFromGoex(ord, symbol)
	return &remote, nil
}

func (a *BinanceAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]RemoteOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.New(fault.Transient, "binance.ListOpenOrders", err)
	}

	orders, err := a.api.GetUnfinishOrders(currencyPair(symbol))
	if err != nil {
		return nil, classify("binance.ListOpenOrders", err)
	}

	remotes := make([]RemoteOrder, 0, len(orders))
	for i := range orders {
		remotes = append(remotes, remoteFromGoex(&orders[i], symbol))
	}

	return remotes, nil
}

// isUnknownOrder detects the Binance "order does not exist" answer (-2013),
// which is a definitive statement, not a transport failure.
func isUnknownOrder(err error) bool {
	return err != nil && strings.Contains(err.Error(), "-2013")
}

func remoteFromGoex(ord *goex.Order, symbol string) RemoteOrder {
	exchangeID := ord.OrderID2
	if exchangeID == "" {
		exchangeID = ord.Cid
	}

	return RemoteOrder{
		ExchangeOrderID: exchangeID,
		Symbol:          symbol,
		Side:            sideFromGoex(ord.Side),
		OrderType:       typeFromGoex(ord.Side),
		Quantity:        decimal.NewFromFloat(ord.Amount),
		FilledQuantity:  decimal.NewFromFloat(ord.DealAmount),
		AvgFillPrice:    decimal.NewFromFloat(ord.AvgPrice),
		Status:          statusFromGoex(ord.Status),
	}
}

func sideFromGoex(side goex.TradeSide) string {
	switch side {
	case goex.BUY, goex.BUY_MARKET:
		return model.OrderSideBuy
	case goex.SELL, goex.SELL_MARKET:
		return model.OrderSideSell
	}
	return ""
}

func typeFromGoex(side goex.TradeSide) string {
	switch side {
	case goex.BUY_MARKET, goex.SELL_MARKET:
		return model.OrderTypeMarket
	}
	return model.OrderTypeLimit
}

func statusFromGoex(status goex.TradeStatus) model.OrderStatus {
	switch status {
	case goex.ORDER_UNFINISH, goex.ORDER_CANCEL_ING:
		return model.OrderStatusSubmitted
	case goex.ORDER_PART_FINISH:
		return model.OrderStatusPartiallyFilled
	case goex.ORDER_FINISH:
		return model.OrderStatusFilled
	case goex.ORDER_CANCEL:
		return model.OrderStatusCancelled
	case goex.ORDER_REJECT, goex.ORDER_FAIL:
		return model.OrderStatusRejected
	}
	return model.OrderStatusSubmitted
}

// knownQuotes are tried longest-first when splitting a symbol into a
// currency pair.
var knownQuotes = []string{"USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB", "USD", "EUR"}

func currencyPair(symbol string) goex.CurrencyPair {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, quote := range knownQuotes {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			base := strings.TrimSuffix(s, quote)
			return goex.NewCurrencyPair(goex.Currency{Symbol: base}, goex.Currency{Symbol: quote})
		}
	}
	// No recognized quote: fall back to the whole symbol as base vs USDT.
	return goex.NewCurrencyPair(goex.Currency{Symbol: s}, goex.Currency{Symbol: "USDT"})
}
