package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// recvWindow is widened to tolerate clock drift between this host and
// the exchange; the offset correction handles the rest.
const recvWindow = 60000

// Client is the raw REST client for the Binance spot API. All calls
// return typed *APIError values on failure. Rate limiting and caching
// live one layer up in the Gateway.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	timeOffset atomic.Int64 // localMillis - serverMillis
	logger     zerolog.Logger
}

func NewClient(apiKey, secretKey, baseURL string, logger zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "binance").Logger(),
	}
}

// Kline represents a candlestick
type Kline struct {
	OpenTime         int64   `json:"openTime"`
	Open             float64 `json:"open,string"`
	High             float64 `json:"high,string"`
	Low              float64 `json:"low,string"`
	Close            float64 `json:"close,string"`
	Volume           float64 `json:"volume,string"`
	CloseTime        int64   `json:"closeTime"`
	QuoteAssetVolume float64 `json:"quoteAssetVolume,string"`
	NumberOfTrades   int     `json:"numberOfTrades"`
}

// Ticker24hr represents 24hr ticker price change statistics
type Ticker24hr struct {
	Symbol             string  `json:"symbol"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	LastPrice          float64 `json:"lastPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
}

// Balance is one asset's account balance snapshot.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free,string"`
	Locked float64 `json:"locked,string"`
}

// SymbolFilter holds the per-pair order constraints enforced by the
// exchange. Immutable once fetched.
type SymbolFilter struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// OpenOrder is one live order as reported by the exchange.
type OpenOrder struct {
	Symbol  string  `json:"symbol"`
	OrderID int64   `json:"orderId"`
	Side    string  `json:"side"`
	Status  string  `json:"status"`
	OrigQty float64 `json:"origQty,string"`
	Time    int64   `json:"time"`
}

// OrderResponse represents a response from placing an order
type OrderResponse struct {
	Symbol              string  `json:"symbol"`
	OrderID             int64   `json:"orderId"`
	ClientOrderID       string  `json:"clientOrderId"`
	TransactTime        int64   `json:"transactTime"`
	OrigQty             float64 `json:"origQty,string"`
	ExecutedQty         float64 `json:"executedQty,string"`
	CummulativeQuoteQty float64 `json:"cummulativeQuoteQty,string"`
	Status              string  `json:"status"`
	Side                string  `json:"side"`
}

// Ping verifies connectivity.
func (c *Client) Ping() error {
	_, err := c.get("/api/v3/ping", nil)
	return err
}

// SyncTime computes the local clock offset against the exchange server
// so signed request timestamps stay inside the recv window.
func (c *Client) SyncTime() error {
	body, err := c.get("/api/v3/time", nil)
	if err != nil {
		return err
	}
	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return newTransportError(fmt.Errorf("parsing server time: %w", err))
	}
	offset := time.Now().UnixMilli() - resp.ServerTime
	c.timeOffset.Store(offset)
	c.logger.Info().Int64("offset_ms", offset).Msg("clock offset synced with exchange")
	return nil
}

// timestamp returns the current time in exchange terms.
func (c *Client) timestamp() int64 {
	return time.Now().UnixMilli() - c.timeOffset.Load()
}

// GetAllPrices fetches the last price for every symbol in one call.
func (c *Client) GetAllPrices() (map[string]float64, error) {
	body, err := c.get("/api/v3/ticker/price", nil)
	if err != nil {
		return nil, err
	}
	var tickers []struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price,string"`
	}
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing prices: %w", err))
	}
	prices := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		prices[t.Symbol] = t.Price
	}
	return prices, nil
}

// Get24hrTickers fetches 24hr ticker data for all symbols
func (c *Client) Get24hrTickers() ([]Ticker24hr, error) {
	body, err := c.get("/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	var tickers []Ticker24hr
	if err := json.Unmarshal(body, &tickers); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing tickers: %w", err))
	}
	return tickers, nil
}

// GetKlines fetches candlestick data
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get("/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing klines: %w", err))
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 9 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:         int64(raw[0].(float64)),
			Open:             parseFloat(raw[1]),
			High:             parseFloat(raw[2]),
			Low:              parseFloat(raw[3]),
			Close:            parseFloat(raw[4]),
			Volume:           parseFloat(raw[5]),
			CloseTime:        int64(raw[6].(float64)),
			QuoteAssetVolume: parseFloat(raw[7]),
			NumberOfTrades:   int(raw[8].(float64)),
		})
	}
	return klines, nil
}

// GetAccount fetches all non-zero account balances.
func (c *Client) GetAccount() ([]Balance, error) {
	body, err := c.signedRequest(http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Balances []Balance `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing account: %w", err))
	}
	balances := make([]Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		if b.Free > 0 || b.Locked > 0 {
			balances = append(balances, b)
		}
	}
	return balances, nil
}

// GetSymbolFilter fetches the trading constraints for one symbol.
// Returns nil when the pair does not exist on the exchange.
func (c *Client) GetSymbolFilter(symbol string) (*SymbolFilter, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get("/api/v3/exchangeInfo", params)
	if err != nil {
		// An unknown symbol comes back as a -1121 rejection.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == -1121 {
			return nil, nil
		}
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing exchange info: %w", err))
	}
	if len(info.Symbols) == 0 {
		return nil, nil
	}

	s := info.Symbols[0]
	filter := &SymbolFilter{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			filter.StepSize = parseFloatString(f.StepSize)
			filter.MinQty = parseFloatString(f.MinQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			filter.MinNotional = parseFloatString(f.MinNotional)
		}
	}
	return filter, nil
}

// GetOpenOrders fetches the live open orders for a symbol.
func (c *Client) GetOpenOrders(symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.signedRequest(http.MethodGet, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}
	var orders []OpenOrder
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing open orders: %w", err))
	}
	return orders, nil
}

// PlaceMarketOrder submits a market order. The quantity is passed
// pre-formatted so lot-size precision is decided by the caller.
func (c *Client) PlaceMarketOrder(symbol, side, quantity string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", quantity)
	params.Set("newClientOrderId", uuid.NewString())

	body, err := c.signedRequest(http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	var resp OrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, newTransportError(fmt.Errorf("parsing order response: %w", err))
	}
	return &resp, nil
}

// get performs an unauthenticated GET request.
func (c *Client) get(path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newTransportError(err)
	}
	return c.do(req)
}

// signedRequest performs an HMAC-signed request with the corrected
// timestamp and widened recv window.
func (c *Client) signedRequest(method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(c.timestamp(), 10))
	params.Set("recvWindow", strconv.Itoa(recvWindow))

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, newTransportError(err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiResp) == nil && apiResp.Code != 0 {
			return nil, newAPIError(apiResp.Code, apiResp.Msg)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot {
			// 418 is the exchange's IP-ban status.
			return nil, newAPIError(-1003, string(body))
		}
		return nil, newTransportError(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body)))
	}
	return body, nil
}

// StepPrecision returns the number of decimal places implied by a lot
// step size, e.g. 0.01 -> 2.
func StepPrecision(stepSize float64) int {
	if stepSize <= 0 || stepSize >= 1 {
		return 0
	}
	return int(math.Round(-math.Log10(stepSize)))
}

// FormatQuantity floors a quantity to the nearest step multiple and
// renders it with the precision the step implies. Flooring means an
// order can only shrink, never overspend.
func FormatQuantity(quantity, stepSize float64) string {
	if stepSize <= 0 {
		return strconv.FormatFloat(quantity, 'f', -1, 64)
	}
	// The epsilon keeps float division like 0.2/0.01 from landing a
	// hair under the integer step count and flooring one step too low.
	steps := math.Floor(quantity/stepSize + 1e-9)
	truncated := steps * stepSize
	return strconv.FormatFloat(truncated, 'f', StepPrecision(stepSize), 64)
}

func parseFloat(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}

func parseFloatString(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
