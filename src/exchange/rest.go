// REST ADAPTER FOR VENUES EXPOSING A SIGNED JSON ORDER API
// RESTY ONLY + INTERNAL RETRY
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"ordersync/src/fault"
	"ordersync/src/model"
)

const (
	// Default retry configuration
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
)

// restResponse is the venue's envelope around every payload.
type restResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// restOrder is the wire shape of one order record.
type restOrder struct {
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"ordType"`
	Quantity  string `json:"orderQty"`
	Price     string `json:"price,omitempty"`
	FilledQty string `json:"cumQty"`
	AvgPrice  string `json:"avgPrice"`
	Status    string `json:"ordStatus"`
}

// RESTAdapter implements Adapter against a generic signed REST order API.
type RESTAdapter struct {
	apiKey    string
	apiSecret string
	http      *resty.Client
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	if r == nil {
		return false
	}

	code := r.StatusCode()

	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 {
		return true
	}
	if code == 408 {
		return true
	}
	return false
}

// NewRESTAdapter builds the adapter with retry and per-call timeout wired
// into the underlying resty client.
func NewRESTAdapter(apiKey, apiSecret, baseURL string, callTimeout time.Duration) *RESTAdapter {
	if callTimeout <= 0 {
		callTimeout = 15 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(callTimeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &RESTAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      httpClient,
	}
}

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *RESTAdapter) doRequest(ctx context.Context, method, path, query string, body []byte) (*restResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()

	sig := signRequest(path, query, string(body), expiry, a.apiSecret)

	req := a.http.R().
		SetContext(ctx).
		SetHeader("x-access-token", a.apiKey).
		SetHeader("x-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-request-signature", sig)

	if query != "" {
		req = req.SetQueryString(query)
	}
	if body != nil {
		req = req.SetBody(body).SetHeader("Content-Type", "application/json")
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fault.New(fault.Transient, "rest."+method+" "+path, err)
	}

	raw := resp.Body()

	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		kind := fault.Rejection
		if isRetryableResp(resp, nil) {
			kind = fault.Transient
		}
		return nil, fault.Errorf(kind, "rest."+method+" "+path, "HTTP %d: %s", resp.StatusCode(), string(raw))
	}

	var apiResp restResponse
	if err := json.Unmarshal(raw, &apiResp); err != nil {
		return nil, fault.New(fault.Transient, "rest."+method+" "+path, err)
	}
	if apiResp.Code != 0 {
		return nil, fault.Errorf(fault.Rejection, "rest."+method+" "+path, "API error %d: %s", apiResp.Code, apiResp.Msg)
	}

	return &apiResp, nil
}

func (a *RESTAdapter) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	body := map[string]interface{}{
		"symbol":   spec.Symbol,
		"side":     spec.Side,
		"ordType":  spec.OrderType,
		"orderQty": spec.Quantity.String(),
		"clOrdID":  spec.OrderID,
	}
	if spec.Price != nil {
		body["price"] = spec.Price.String()
	}

	b, _ := json.Marshal(body)

	resp, err := a.doRequest(ctx, "POST", "/orders", "", b)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fault.Errorf(fault.Rejection, "rest.SubmitOrder", "order endpoint not found")
	}

	var ord restOrder
	if err := json.Unmarshal(resp.Data, &ord); err != nil {
		return "", fault.New(fault.Transient, "rest.SubmitOrder", err)
	}
	if ord.OrderID == "" {
		return "", fault.Errorf(fault.Transient, "rest.SubmitOrder",
			"exchange accepted order without returning an id")
	}

	logger.WithFields(map[string]interface{}{
		"adapter":           "rest",
		"op":                "SubmitOrder",
		"order_id":          spec.OrderID,
		"exchange_order_id": ord.OrderID,
	}).Info("Order accepted by venue")

	return ord.OrderID, nil
}

func (a *RESTAdapter) CancelOrder(ctx context.Context, exchangeOrderID, symbol string) error {
	resp, err := a.doRequest(ctx, "DELETE", "/orders/"+exchangeOrderID,
		fmt.Sprintf("symbol=%s", symbol), nil)
	if err != nil {
		return err
	}
	if resp == nil {
		return fault.Errorf(fault.Rejection, "rest.CancelOrder",
			"order %s unknown to venue", exchangeOrderID)
	}
	return nil
}

func (a *RESTAdapter) GetOrderStatus(ctx context.Context, exchangeOrderID, symbol string) (*RemoteOrder, error) {
	resp, err := a.doRequest(ctx, "GET", "/orders/"+exchangeOrderID,
		fmt.Sprintf("symbol=%s", symbol), nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		// The venue has no knowledge of the order.
		return nil, nil
	}

	var ord restOrder
	if err := json.Unmarshal(resp.Data, &ord); err != nil {
		return nil, fault.New(fault.Transient, "rest.GetOrderStatus", err)
	}

	remote, err := remoteFromREST(&ord)
	if err != nil {
		return nil, err
	}
	return remote, nil
}

func (a *RESTAdapter) ListOpenOrders(ctx context.Context, symbol string) ([]RemoteOrder, error) {
	resp, err := a.doRequest(ctx, "GET", "/orders/activeList",
		fmt.Sprintf("symbol=%s", symbol), nil)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}

	var wire []restOrder
	if err := json.Unmarshal(resp.Data, &wire); err != nil {
		return nil, fault.New(fault.Transient, "rest.ListOpenOrders", err)
	}

	remotes := make([]RemoteOrder, 0, len(wire))
	for i := range wire {
		remote, err := remoteFromREST(&wire[i])
		if err != nil {
			return nil, err
		}
		remotes = append(remotes, *remote)
	}

	return remotes, nil
}

func remoteFromREST(ord *restOrder) (*RemoteOrder, error) {
	qty, err := decimal.NewFromString(ord.Quantity)
	if err != nil {
		return nil, fault.Errorf(fault.Integrity, "rest.decode", "bad quantity %q for order %s", ord.Quantity, ord.OrderID)
	}

	filled := decimal.Zero
	if ord.FilledQty != "" {
		if filled, err = decimal.NewFromString(ord.FilledQty); err != nil {
			return nil, fault.Errorf(fault.Integrity, "rest.decode", "bad cumQty %q for order %s", ord.FilledQty, ord.OrderID)
		}
	}

	avg := decimal.Zero
	if ord.AvgPrice != "" {
		if avg, err = decimal.NewFromString(ord.AvgPrice); err != nil {
			return nil, fault.Errorf(fault.Integrity, "rest.decode", "bad avgPrice %q for order %s", ord.AvgPrice, ord.OrderID)
		}
	}

	var price *decimal.Decimal
	if ord.Price != "" {
		p, err := decimal.NewFromString(ord.Price)
		if err != nil {
			return nil, fault.Errorf(fault.Integrity, "rest.decode", "bad price %q for order %s", ord.Price, ord.OrderID)
		}
		price = &p
	}

	return &RemoteOrder{
		ExchangeOrderID: ord.OrderID,
		Symbol:          ord.Symbol,
		Side:            ord.Side,
		OrderType:       ord.OrderType,
		Quantity:        qty,
		Price:           price,
		FilledQuantity:  filled,
		AvgFillPrice:    avg,
		Status:          statusFromREST(ord.Status),
	}, nil
}

func statusFromREST(status string) model.OrderStatus {
	switch status {
	case "New", "Untriggered", "Triggered":
		return model.OrderStatusSubmitted
	case "PartiallyFilled":
		return model.OrderStatusPartiallyFilled
	case "Filled":
		return model.OrderStatusFilled
	case "Canceled", "Cancelled":
		return model.OrderStatusCancelled
	case "Rejected":
		return model.OrderStatusRejected
	}
	return model.OrderStatusSubmitted
}
