package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"

	"tradeengine/internal/models"
	"tradeengine/pkg/ratelimit"
	"tradeengine/pkg/utils"
)

const (
	bybitMainnetREST      = "https://api.bybit.com"
	bybitMainnetWSPublic  = "wss://stream.bybit.com/v5/public/linear"
	bybitMainnetWSPrivate = "wss://stream.bybit.com/v5/private"
	bybitTestnetREST      = "https://api-testnet.bybit.com"
	bybitTestnetWSPublic  = "wss://stream-testnet.bybit.com/v5/public/linear"
	bybitTestnetWSPrivate = "wss://stream-testnet.bybit.com/v5/private"

	bybitCategory = "linear"
	bybitSettle   = "USDT"

	// категории лимитера
	rateOrder = "order"
	rateRead  = "read"
)

// Коды ответов Bybit v5, которые различает адаптер
const (
	bybitCodeServerTimeout   = 10000
	bybitCodeRecvWindow      = 10002
	bybitCodeTooManyVisits   = 10006
	bybitCodeServerError     = 10016
	bybitCodeOrderNotExists  = 110001
	bybitCodeLeverageNotMod  = 110043
	bybitCodeDuplicateLinkID = 110072
)

// BybitConfig - параметры адаптера Bybit
type BybitConfig struct {
	APIKey       string
	APISecret    string
	Testnet      bool
	BaseURL      string // пусто - по Testnet
	WSPublicURL  string
	WSPrivateURL string
	RecvWindow   int // мс
	HTTP         HTTPClientConfig
	WS           WSReconnectConfig
	// Лимиты запросов в секунду
	OrderRate float64
	ReadRate  float64
	// Минимальный номинал ордера, биржа не отдаёт его в instruments-info
	MinNotional float64
}

// withDefaults заполняет незаданные поля
func (c BybitConfig) withDefaults() BybitConfig {
	if c.BaseURL == "" {
		c.BaseURL = bybitMainnetREST
		if c.Testnet {
			c.BaseURL = bybitTestnetREST
		}
	}
	if c.WSPublicURL == "" {
		c.WSPublicURL = bybitMainnetWSPublic
		if c.Testnet {
			c.WSPublicURL = bybitTestnetWSPublic
		}
	}
	if c.WSPrivateURL == "" {
		c.WSPrivateURL = bybitMainnetWSPrivate
		if c.Testnet {
			c.WSPrivateURL = bybitTestnetWSPrivate
		}
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5000
	}
	if c.HTTP.TotalTimeout == 0 {
		c.HTTP = DefaultHTTPClientConfig()
	}
	if c.WS.InitialDelay == 0 {
		c.WS = DefaultWSReconnectConfig()
	}
	if c.OrderRate <= 0 {
		c.OrderRate = 10
	}
	if c.ReadRate <= 0 {
		c.ReadRate = 20
	}
	if c.MinNotional <= 0 {
		c.MinNotional = 5
	}
	return c
}

// Bybit реализует Broker, UserStream и TickerStream для USDT-перпетуалов Bybit v5
type Bybit struct {
	cfg     BybitConfig
	rest    *resty.Client
	limiter *ratelimit.MultiLimiter
	log     *utils.Logger
	now     func() time.Time

	// кэш лимитов инструментов и выставленного плеча
	limitsMu sync.RWMutex
	limits   map[string]*Limits
	levMu    sync.Mutex
	leverage map[string]float64

	wsMu             sync.Mutex
	wsPublicManager  *WSReconnectManager
	wsPrivateManager *WSReconnectManager

	callbackMu     sync.RWMutex
	tickerCallback func(*Ticker)
	userCallback   func(UserEvent)
}

// NewBybit создаёт адаптер. Сетевых вызовов не делает.
func NewBybit(cfg BybitConfig, log *utils.Logger) *Bybit {
	cfg = cfg.withDefaults()
	if log == nil {
		log = utils.L()
	}
	log = log.WithExchange("bybit")

	limiter := ratelimit.NewMultiLimiter(cfg.ReadRate, cfg.ReadRate)
	limiter.Add(rateOrder, cfg.OrderRate, cfg.OrderRate)
	limiter.Add(rateRead, cfg.ReadRate, cfg.ReadRate)

	return &Bybit{
		cfg:      cfg,
		rest:     NewRestClient(cfg.BaseURL, cfg.HTTP, log),
		limiter:  limiter,
		log:      log,
		now:      time.Now,
		limits:   make(map[string]*Limits),
		leverage: make(map[string]float64),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

// ============================================================
// REST
// ============================================================

// sign создает подпись для запроса к Bybit API v5
func (b *Bybit) sign(timestamp, payload string) string {
	message := timestamp + b.cfg.APIKey + strconv.Itoa(b.cfg.RecvWindow) + payload
	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// bybitResponse - общий конверт ответа v5
type bybitResponse struct {
	RetCode int                 `json:"retCode"`
	RetMsg  string              `json:"retMsg"`
	Result  jsoniter.RawMessage `json:"result"`
}

// get выполняет GET; query сортируется url.Values, подпись считается по той же строке
func (b *Bybit) get(ctx context.Context, endpoint string, params map[string]string, signed bool, out interface{}) error {
	if err := b.limiter.Wait(ctx, rateRead); err != nil {
		return err
	}

	req := b.rest.R().SetContext(ctx).SetQueryParams(params)
	if signed {
		query := encodeQuery(params)
		b.signRequest(req, query)
	}

	resp, err := req.Get(endpoint)
	return b.decode(resp, err, out)
}

// post выполняет POST с JSON телом
func (b *Bybit) post(ctx context.Context, category, endpoint string, body map[string]interface{}, out interface{}) error {
	if err := b.limiter.Wait(ctx, category); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req := b.rest.R().SetContext(ctx).SetBody(payload)
	b.signRequest(req, string(payload))

	resp, err := req.Post(endpoint)
	return b.decode(resp, err, out)
}

func (b *Bybit) signRequest(req *resty.Request, payload string) {
	timestamp := strconv.FormatInt(b.now().UnixMilli(), 10)
	req.SetHeaders(map[string]string{
		"X-BAPI-API-KEY":     b.cfg.APIKey,
		"X-BAPI-SIGN":        b.sign(timestamp, payload),
		"X-BAPI-TIMESTAMP":   timestamp,
		"X-BAPI-RECV-WINDOW": strconv.Itoa(b.cfg.RecvWindow),
	})
}

// decode разбирает конверт и классифицирует ошибку
func (b *Bybit) decode(resp *resty.Response, err error, out interface{}) error {
	if err != nil {
		// обрыв, таймаут, отмена контекста: исход неизвестен
		return err
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status == http.StatusForbidden || status >= 500 {
		return &ExchangeError{
			Exchange:  "bybit",
			Code:      strconv.Itoa(status),
			Message:   "http " + http.StatusText(status),
			Transient: true,
		}
	}

	var env bybitResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &ExchangeError{Exchange: "bybit", Message: "malformed response", Transient: true, Original: err}
	}

	if env.RetCode != 0 {
		return classifyBybitError(env.RetCode, env.RetMsg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit: decode result: %w", err)
	}
	return nil
}

func classifyBybitError(code int, msg string) error {
	e := &ExchangeError{Exchange: "bybit", Code: strconv.Itoa(code), Message: msg}
	switch code {
	case bybitCodeServerTimeout, bybitCodeRecvWindow, bybitCodeTooManyVisits, bybitCodeServerError:
		e.Transient = true
	case bybitCodeDuplicateLinkID:
		e.Original = ErrDuplicateClientOrderID
	case bybitCodeOrderNotExists:
		e.Original = ErrOrderNotFound
	}
	return e
}

// encodeQuery - строка запроса в порядке ключей, как её отправит resty
func encodeQuery(params map[string]string) string {
	values := make(url.Values, len(params))
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// ============================================================
// Broker
// ============================================================

func (b *Bybit) GetBalance(ctx context.Context) (float64, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        bybitSettle,
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return 0, err
	}

	for _, acc := range result.List {
		for _, coin := range acc.Coin {
			if coin.Coin == bybitSettle {
				return cast.ToFloat64(coin.WalletBalance), nil
			}
		}
	}
	return 0, nil
}

func (b *Bybit) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}

	var result struct {
		List []bybitTicker `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit: ticker not found for %s", symbol)
	}
	return result.List[0].toTicker(b.now()), nil
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	LastPrice string `json:"lastPrice"`
}

func (t bybitTicker) toTicker(at time.Time) *Ticker {
	return &Ticker{
		Symbol:    t.Symbol,
		BidPrice:  cast.ToFloat64(t.Bid1Price),
		AskPrice:  cast.ToFloat64(t.Ask1Price),
		LastPrice: cast.ToFloat64(t.LastPrice),
		Timestamp: at,
	}
}

// GetLimits кэширует instruments-info: лимиты меняются редко
func (b *Bybit) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	b.limitsMu.RLock()
	cached, ok := b.limits[symbol]
	b.limitsMu.RUnlock()
	if ok {
		c := *cached
		return &c, nil
	}

	params := map[string]string{
		"category": bybitCategory,
		"symbol":   symbol,
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				MinOrderQty      string `json:"minOrderQty"`
				MaxOrderQty      string `json:"maxOrderQty"`
				QtyStep          string `json:"qtyStep"`
				MinNotionalValue string `json:"minNotionalValue"`
				MaxMktOrderQty   string `json:"maxMktOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("bybit: instrument info not found for %s", symbol)
	}

	info := result.List[0]
	maxQty := cast.ToFloat64(info.LotSizeFilter.MaxMktOrderQty)
	if maxQty == 0 {
		maxQty = cast.ToFloat64(info.LotSizeFilter.MaxOrderQty)
	}
	minNotional := cast.ToFloat64(info.LotSizeFilter.MinNotionalValue)
	if minNotional == 0 {
		minNotional = b.cfg.MinNotional
	}

	limits := &Limits{
		Symbol:      symbol,
		MinOrderQty: cast.ToFloat64(info.LotSizeFilter.MinOrderQty),
		MaxOrderQty: maxQty,
		QtyStep:     cast.ToFloat64(info.LotSizeFilter.QtyStep),
		MinNotional: minNotional,
		PriceStep:   cast.ToFloat64(info.PriceFilter.TickSize),
		MaxLeverage: cast.ToFloat64(info.LeverageFilter.MaxLeverage),
	}

	b.limitsMu.Lock()
	b.limits[symbol] = limits
	b.limitsMu.Unlock()

	c := *limits
	return &c, nil
}

// setLeverage выставляет плечо символа, если оно отличается от выставленного ранее
func (b *Bybit) setLeverage(ctx context.Context, symbol string, leverage float64) error {
	if leverage <= 0 {
		return nil
	}

	b.levMu.Lock()
	current, ok := b.leverage[symbol]
	b.levMu.Unlock()
	if ok && current == leverage {
		return nil
	}

	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]interface{}{
		"category":     bybitCategory,
		"symbol":       symbol,
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := b.post(ctx, rateOrder, "/v5/position/set-leverage", body, nil)

	var ee *ExchangeError
	if err != nil && !(errors.As(err, &ee) && ee.Code == strconv.Itoa(bybitCodeLeverageNotMod)) {
		return err
	}

	b.levMu.Lock()
	b.leverage[symbol] = leverage
	b.levMu.Unlock()
	return nil
}

// PlaceOrder размещает ордер и пытается сразу узнать его исполнение
//
// Ответ /v5/order/create содержит только id. Рыночный ордер исполняется
// почти мгновенно, поэтому статус дочитывается через /v5/order/realtime;
// если дочитать не удалось, ордер возвращается как pending и его
// доведут поток исполнений или сверка.
func (b *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("bybit: client order id is required")
	}

	if !req.ReduceOnly {
		if err := b.setLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return nil, fmt.Errorf("set leverage: %w", err)
		}
	}

	body := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      req.Symbol,
		"side":        bybitSide(req.Side),
		"qty":         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"orderLinkId": req.ClientOrderID,
		"reduceOnly":  req.ReduceOnly,
	}

	switch req.Type {
	case models.OrderTypeMarket:
		body["orderType"] = "Market"
		body["timeInForce"] = "IOC"
	case models.OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		body["timeInForce"] = "GTC"
	case models.OrderTypeStop:
		// условный рыночный ордер: 1 - срабатывает при росте, 2 - при падении
		body["orderType"] = "Market"
		body["triggerPrice"] = strconv.FormatFloat(req.StopPrice, 'f', -1, 64)
		body["triggerBy"] = "LastPrice"
		if req.Side == models.SideBuy {
			body["triggerDirection"] = 1
		} else {
			body["triggerDirection"] = 2
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOrderType, req.Type)
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.post(ctx, rateOrder, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}

	now := b.now()
	order := &Order{
		ID:            result.OrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Status:        models.OrderStatusPending,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if req.Type != models.OrderTypeMarket {
		return order, nil
	}

	latest, err := b.GetOrder(ctx, req.Symbol, req.ClientOrderID)
	if err != nil {
		b.log.Warn("order placed, status lookup failed",
			utils.Symbol(req.Symbol), utils.OrderID(result.OrderID), utils.Err(err))
		return order, nil
	}
	return latest, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := map[string]interface{}{
		"category":    bybitCategory,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	return b.post(ctx, rateOrder, "/v5/order/cancel", body, nil)
}

// bybitOrder - ордер в ответах REST и WS
type bybitOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	OrderStatus  string `json:"orderStatus"`
	RejectReason string `json:"rejectReason"`
	ReduceOnly   bool   `json:"reduceOnly"`
	TriggerPrice string `json:"triggerPrice"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (o bybitOrder) toOrder() *Order {
	filled := cast.ToFloat64(o.CumExecQty)
	typ := models.OrderTypeMarket
	if o.OrderType == "Limit" {
		typ = models.OrderTypeLimit
	} else if cast.ToFloat64(o.TriggerPrice) > 0 {
		typ = models.OrderTypeStop
	}

	reason := ""
	if o.RejectReason != "" && o.RejectReason != "EC_NoError" {
		reason = o.RejectReason
	}

	return &Order{
		ID:            o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          parseBybitSide(o.Side),
		Type:          typ,
		Quantity:      cast.ToFloat64(o.Qty),
		FilledQty:     filled,
		AvgFillPrice:  cast.ToFloat64(o.AvgPrice),
		Fee:           cast.ToFloat64(o.CumExecFee),
		Status:        mapBybitStatus(o.OrderStatus, filled),
		ReduceOnly:    o.ReduceOnly,
		Reason:        reason,
		CreatedAt:     utils.FromUnixMillis(cast.ToInt64(o.CreatedTime)),
		UpdatedAt:     utils.FromUnixMillis(cast.ToInt64(o.UpdatedTime)),
	}
}

// mapBybitStatus сводит статусы Bybit к жизненному циклу ордера движка
func mapBybitStatus(status string, filled float64) models.OrderStatus {
	switch status {
	case "New", "Created", "Untriggered", "Triggered", "Active":
		return models.OrderStatusPending
	case "PartiallyFilled":
		return models.OrderStatusPartiallyFilled
	case "Filled":
		return models.OrderStatusFilled
	case "Rejected":
		return models.OrderStatusRejected
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		// IOC-остаток рыночного ордера: исполненная часть остаётся в силе
		if filled > 0 {
			return models.OrderStatusPartiallyFilled
		}
		return models.OrderStatusCancelled
	default:
		return models.OrderStatusUnknown
	}
}

func bybitSide(s models.Side) string {
	if s == models.SideSell {
		return "Sell"
	}
	return "Buy"
}

func parseBybitSide(s string) models.Side {
	if strings.EqualFold(s, "Sell") {
		return models.SideSell
	}
	return models.SideBuy
}

// GetOrder ищет ордер среди активных, затем в истории
func (b *Bybit) GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	params := map[string]string{
		"category":    bybitCategory,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}

	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []bybitOrder `json:"list"`
		}
		if err := b.get(ctx, endpoint, params, true, &result); err != nil {
			return nil, err
		}
		if len(result.List) > 0 {
			return result.List[0].toOrder(), nil
		}
	}
	return nil, fmt.Errorf("bybit %s: %w", clientOrderID, ErrOrderNotFound)
}

// GetOpenOrders читает все страницы активных ордеров
func (b *Bybit) GetOpenOrders(ctx context.Context) ([]*Order, error) {
	params := map[string]string{
		"category":   bybitCategory,
		"settleCoin": bybitSettle,
		"openOnly":   "0",
		"limit":      "50",
	}

	orders := make([]*Order, 0)
	for {
		var result struct {
			List           []bybitOrder `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if err := b.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
			return nil, err
		}
		for _, o := range result.List {
			orders = append(orders, o.toOrder())
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			return orders, nil
		}
		params["cursor"] = result.NextPageCursor
	}
}

type bybitPosition struct {
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Size           string `json:"size"`
	AvgPrice       string `json:"avgPrice"`
	EntryPrice     string `json:"entryPrice"`
	MarkPrice      string `json:"markPrice"`
	Leverage       string `json:"leverage"`
	UnrealisedPnl  string `json:"unrealisedPnl"`
	PositionStatus string `json:"positionStatus"`
	UpdatedTime    string `json:"updatedTime"`
}

func (p bybitPosition) toPosition() *Position {
	entry := cast.ToFloat64(p.AvgPrice)
	if entry == 0 {
		entry = cast.ToFloat64(p.EntryPrice)
	}
	side := models.PositionLong
	if p.Side == "Sell" {
		side = models.PositionShort
	}
	return &Position{
		Symbol:        p.Symbol,
		Side:          side,
		Size:          cast.ToFloat64(p.Size),
		EntryPrice:    entry,
		MarkPrice:     cast.ToFloat64(p.MarkPrice),
		Leverage:      cast.ToFloat64(p.Leverage),
		UnrealizedPnl: cast.ToFloat64(p.UnrealisedPnl),
		Liquidation:   p.PositionStatus == "Liq",
		UpdatedAt:     utils.FromUnixMillis(cast.ToInt64(p.UpdatedTime)),
	}
}

func (b *Bybit) GetPositions(ctx context.Context) ([]*Position, error) {
	params := map[string]string{
		"category":   bybitCategory,
		"settleCoin": bybitSettle,
		"limit":      "200",
	}

	var result struct {
		List []bybitPosition `json:"list"`
	}
	if err := b.get(ctx, "/v5/position/list", params, true, &result); err != nil {
		return nil, err
	}

	positions := make([]*Position, 0, len(result.List))
	for _, p := range result.List {
		pos := p.toPosition()
		if pos.Size == 0 {
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// ============================================================
// WebSocket
// ============================================================

// SubscribeTickers подписывается на публичный поток цен
func (b *Bybit) SubscribeTickers(symbols []string, callback func(*Ticker)) error {
	b.callbackMu.Lock()
	b.tickerCallback = callback
	b.callbackMu.Unlock()

	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	if b.wsPublicManager == nil {
		b.wsPublicManager = NewWSReconnectManager("bybit-public", b.cfg.WSPublicURL, b.cfg.WS, b.log)
		b.wsPublicManager.SetOnMessage(b.handlePublicMessage)
		if err := b.wsPublicManager.Connect(); err != nil {
			b.wsPublicManager = nil
			return fmt.Errorf("failed to connect to public WebSocket: %w", err)
		}
	}

	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	subMsg := map[string]interface{}{"op": "subscribe", "args": args}

	b.wsPublicManager.AddSubscription(subMsg)
	return b.wsPublicManager.Send(subMsg)
}

// handlePublicMessage: snapshot и delta тикера; delta несёт только изменённые поля
func (b *Bybit) handlePublicMessage(message []byte) {
	var msg struct {
		Topic string      `json:"topic"`
		Ts    int64       `json:"ts"`
		Data  bybitTicker `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") || msg.Data.LastPrice == "" {
		return
	}

	b.callbackMu.RLock()
	callback := b.tickerCallback
	b.callbackMu.RUnlock()
	if callback == nil {
		return
	}

	t := msg.Data.toTicker(utils.FromUnixMillis(msg.Ts))
	if t.Symbol == "" {
		t.Symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}
	callback(t)
}

// SubscribeUserEvents подписывается на приватные топики order, execution, wallet
func (b *Bybit) SubscribeUserEvents(callback func(UserEvent)) error {
	b.callbackMu.Lock()
	b.userCallback = callback
	b.callbackMu.Unlock()

	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	if b.wsPrivateManager != nil {
		return nil
	}

	m := NewWSReconnectManager("bybit-private", b.cfg.WSPrivateURL, b.cfg.WS, b.log)
	m.SetAuthFunc(b.authenticateWebSocket)
	m.SetOnMessage(b.handlePrivateMessage)
	m.SetOnConnect(func() {
		b.emit(UserEvent{Kind: EventConnected, At: b.now()})
	})
	m.SetOnDisconnect(func(err error) {
		b.emit(UserEvent{Kind: EventDisconnected, Err: err, At: b.now()})
	})
	m.AddSubscription(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"order", "execution", "wallet"},
	})

	if err := m.Connect(); err != nil {
		return fmt.Errorf("failed to connect to private WebSocket: %w", err)
	}
	b.wsPrivateManager = m
	return nil
}

func (b *Bybit) emit(ev UserEvent) {
	b.callbackMu.RLock()
	callback := b.userCallback
	b.callbackMu.RUnlock()
	if callback != nil {
		callback(ev)
	}
}

// authenticateWebSocket отправляет auth и ждёт подтверждения
func (b *Bybit) authenticateWebSocket(conn *websocket.Conn) error {
	expires := b.now().UnixMilli() + 10000

	h := hmac.New(sha256.New, []byte(b.cfg.APISecret))
	h.Write([]byte(fmt.Sprintf("GET/realtime%d", expires)))
	signature := hex.EncodeToString(h.Sum(nil))

	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{b.cfg.APIKey, expires, signature},
	}); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(b.cfg.WS.ConnectTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var resp struct {
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Op      string `json:"op"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return &ExchangeError{Exchange: "bybit", Message: "ws auth failed: " + resp.RetMsg}
	}
	return nil
}

// handlePrivateMessage разбирает сообщения приватного потока
func (b *Bybit) handlePrivateMessage(message []byte) {
	var msg struct {
		Topic        string              `json:"topic"`
		CreationTime int64               `json:"creationTime"`
		Data         jsoniter.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &msg); err != nil || msg.Topic == "" {
		return
	}
	at := utils.FromUnixMillis(msg.CreationTime)

	switch msg.Topic {
	case "execution":
		var data []struct {
			ExecID      string `json:"execId"`
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ExecQty     string `json:"execQty"`
			ExecPrice   string `json:"execPrice"`
			ExecFee     string `json:"execFee"`
			ExecType    string `json:"execType"`
			ExecTime    string `json:"execTime"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			b.log.Warn("bad execution payload", utils.Err(err))
			return
		}
		for _, e := range data {
			// Funding и прочие не торговые начисления не являются исполнениями
			if e.ExecType != "" && e.ExecType != "Trade" {
				continue
			}
			b.emit(UserEvent{
				Kind: EventExecution,
				At:   at,
				Execution: &Execution{
					ExecID:        e.ExecID,
					OrderID:       e.OrderID,
					ClientOrderID: e.OrderLinkID,
					Symbol:        e.Symbol,
					Side:          parseBybitSide(e.Side),
					Quantity:      cast.ToFloat64(e.ExecQty),
					Price:         cast.ToFloat64(e.ExecPrice),
					Fee:           cast.ToFloat64(e.ExecFee),
					At:            utils.FromUnixMillis(cast.ToInt64(e.ExecTime)),
				},
			})
		}

	case "order":
		var data []bybitOrder
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			b.log.Warn("bad order payload", utils.Err(err))
			return
		}
		for _, o := range data {
			b.emit(UserEvent{Kind: EventOrderUpdate, At: at, Order: o.toOrder()})
		}

	case "wallet":
		var data []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			b.log.Warn("bad wallet payload", utils.Err(err))
			return
		}
		for _, acc := range data {
			for _, c := range acc.Coin {
				if c.Coin == bybitSettle {
					b.emit(UserEvent{Kind: EventBalance, At: at, Balance: cast.ToFloat64(c.WalletBalance)})
				}
			}
		}
	}
}

func (b *Bybit) Close() error {
	b.wsMu.Lock()
	defer b.wsMu.Unlock()

	if b.wsPublicManager != nil {
		b.wsPublicManager.Close()
		b.wsPublicManager = nil
	}
	if b.wsPrivateManager != nil {
		b.wsPrivateManager.Close()
		b.wsPrivateManager = nil
	}
	return nil
}
