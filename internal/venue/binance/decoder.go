package binance

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/orderbook"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

// Binance reuses letters in both cases within one payload. Every colliding key is declared
// so the case-insensitive fallback of the JSON decoder never assigns it to its twin.

type combined[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

type tradeData struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

type bookTickerData struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
}

// depthData covers both partial book layouts: spot (bids/asks) and futures (b/a).
type depthData struct {
	Event     string     `json:"e"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	B         [][]string `json:"b"`
	A         [][]string `json:"a"`
	EventTime int64      `json:"E"`
	TxTime    int64      `json:"T"`
	UpdateID  uint64     `json:"lastUpdateId"`
	FirstID   uint64     `json:"U"`
	FinalID   uint64     `json:"u"`
}

type markPriceData struct {
	Event           string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	SettlePrice     string `json:"P"`
	IndexPrice      string `json:"i"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

type klineData struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		Start       int64  `json:"t"`
		End         int64  `json:"T"`
		Interval    string `json:"i"`
		Open        string `json:"o"`
		High        string `json:"h"`
		Low         string `json:"l"`
		LastTradeID int64  `json:"L"`
		Close       string `json:"c"`
		Volume      string `json:"v"`
		TakerVolume string `json:"V"`
		QuoteVolume string `json:"q"`
		TakerQuote  string `json:"Q"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

// executionReport is the spot executionReport payload and the futures ORDER_TRADE_UPDATE "o"
// object.
type executionReport struct {
	Event           string  `json:"e"`
	EventTime       int64   `json:"E"`
	Symbol          string  `json:"s"`
	ClientOrderID   string  `json:"c"`
	OrigClientID    string  `json:"C"`
	Side            string  `json:"S"`
	OrderType       string  `json:"o"`
	CreatedAt       int64   `json:"O"`
	TimeInForce     string  `json:"f"`
	IcebergQty      string  `json:"F"`
	Quantity        string  `json:"q"`
	QuoteQty        string  `json:"Q"`
	Price           string  `json:"p"`
	StopPrice       string  `json:"P"`
	AveragePrice    string  `json:"ap"`
	ActivationPrice string  `json:"AP"`
	ExecType        string  `json:"x"`
	Status          string  `json:"X"`
	OrderID         int64   `json:"i"`
	Ignore          int64   `json:"I"`
	LastFilled      string  `json:"l"`
	CumFilled       string  `json:"z"`
	LastPrice       string  `json:"L"`
	Fee             string  `json:"n"`
	FeeAsset        *string `json:"N"`
	TxTime          int64   `json:"T"`
	TradeID         int64   `json:"t"`
	CumQuote        string  `json:"Z"`
	IsMaker         bool    `json:"m"`
	IgnoreFlag      bool    `json:"M"`
	RejectReason    string  `json:"r"`
	ReduceOnly      bool    `json:"R"`
	PositionSideRaw string  `json:"ps"`
}

type userEvent struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	TxTime    int64           `json:"T"`
	TradeID   int64           `json:"t"`
	Order     json.RawMessage `json:"o"`
	Created   json.RawMessage `json:"O"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
	Bid json.RawMessage `json:"b"`
	// Account is an object on ACCOUNT_UPDATE and an asset name on balanceUpdate.
	Account   json.RawMessage `json:"a"`
	Prevented json.RawMessage `json:"A"`
}

type accountData struct {
	Reason   string `json:"m"`
	Balances []struct {
		Asset         string `json:"a"`
		WalletBalance string `json:"wb"`
		CrossWallet   string `json:"cw"`
	} `json:"B"`
	Positions []struct {
		Symbol        string `json:"s"`
		Amount        string `json:"pa"`
		EntryPrice    string `json:"ep"`
		UnrealizedPnL string `json:"up"`
		PositionSide  string `json:"ps"`
	} `json:"P"`
}

var orderStatuses = map[string]schema.OrderStatus{
	"NEW":              schema.OrderStatusAccepted,
	"PARTIALLY_FILLED": schema.OrderStatusPartiallyFilled,
	"FILLED":           schema.OrderStatusFilled,
	"CANCELED":         schema.OrderStatusCanceled,
	"EXPIRED":          schema.OrderStatusCanceled,
	"EXPIRED_IN_MATCH": schema.OrderStatusCanceled,
	"REJECTED":         schema.OrderStatusFailed,
}

var positionSides = map[string]schema.PositionSide{
	"BOTH":  schema.PositionSideFlat,
	"LONG":  schema.PositionSideLong,
	"SHORT": schema.PositionSideShort,
}

type decoder struct {
	emit   *venue.Emitter
	kind   schema.MarketKind
	logger observability.Logger
}

func newDecoder(emit *venue.Emitter, kind schema.MarketKind, logger observability.Logger) *decoder {
	return &decoder{emit: emit, kind: kind, logger: logger}
}

func decode[T any](what string, frame stream.Frame) (T, error) {
	var msg combined[T]
	err := venue.Decode(exchangeName, what, frame.Raw, &msg)
	return msg.Data, err
}

func (d *decoder) symbol(wire string) string {
	return d.emit.Symbol(strings.ToUpper(wire), d.kind)
}

// streamSymbol extracts the wire symbol from a stream name such as btcusdt@depth5@100ms.
func streamSymbol(name string) string {
	if i := strings.IndexByte(name, '@'); i > 0 {
		return strings.ToUpper(name[:i])
	}
	return strings.ToUpper(name)
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// trade handles @trade and @aggTrade. A buyer-maker print was initiated by a seller.
func (d *decoder) trade(ctx context.Context, frame stream.Frame) error {
	data, err := decode[tradeData]("trade", frame)
	if err != nil {
		return err
	}
	var f venue.Fields
	trade := schema.Trade{
		Exchange:  exchangeName,
		Symbol:    d.symbol(data.Symbol),
		Price:     f.Float(data.Price),
		Size:      f.Float(data.Quantity),
		Side:      schema.OrderSideBuy,
		Timestamp: data.TradeTime,
	}
	if data.BuyerIsMaker {
		trade.Side = schema.OrderSideSell
	}
	if err := f.Err(); err != nil {
		return venue.DecodeError(exchangeName, "trade", err)
	}
	d.emit.Publish(ctx, schema.TopicTrade, trade)
	return nil
}

func (d *decoder) bookTicker(ctx context.Context, frame stream.Frame) error {
	data, err := decode[bookTickerData]("bookTicker", frame)
	if err != nil {
		return err
	}
	var f venue.Fields
	book := schema.BookL1{
		Exchange:  exchangeName,
		Symbol:    d.symbol(data.Symbol),
		Bid:       f.Float(data.BidPrice),
		BidSize:   f.Float(data.BidQty),
		Ask:       f.Float(data.AskPrice),
		AskSize:   f.Float(data.AskQty),
		Timestamp: firstNonZero(data.TxTime, data.EventTime, frame.Received.UnixMilli()),
	}
	if err := f.Err(); err != nil {
		return venue.DecodeError(exchangeName, "bookTicker", err)
	}
	d.emit.Publish(ctx, schema.TopicBookL1, book)
	return nil
}

// depth handles partial book streams. Every message is a full snapshot of the top levels.
func (d *decoder) depth(ctx context.Context, frame stream.Frame) error {
	data, err := decode[depthData]("depth", frame)
	if err != nil {
		return err
	}
	bids, asks := data.Bids, data.Asks
	if len(bids) == 0 && len(asks) == 0 {
		bids, asks = data.B, data.A
	}
	ts := firstNonZero(data.TxTime, data.EventTime, frame.Received.UnixMilli())
	book := orderbook.New(orderbook.Consecutive)
	if err := book.ApplySnapshot(max(data.UpdateID, data.FinalID), venue.Levels(bids), venue.Levels(asks), ts); err != nil {
		return venue.DecodeError(exchangeName, "depth", err)
	}
	top, bottom := book.Top(0)
	l2 := schema.BookL2{
		Exchange:  exchangeName,
		Symbol:    d.symbol(streamSymbol(frame.Topic)),
		Bids:      top,
		Asks:      bottom,
		Timestamp: ts,
	}
	if l1, ok := l2.L1(); ok {
		d.emit.Publish(ctx, schema.TopicBookL1, l1)
	}
	d.emit.Publish(ctx, schema.TopicBookL2, l2)
	return nil
}

func (d *decoder) markPrice(ctx context.Context, frame stream.Frame) error {
	data, err := decode[markPriceData]("markPrice", frame)
	if err != nil {
		return err
	}
	var f venue.Fields
	symbol := d.symbol(data.Symbol)
	mark := schema.MarkPrice{Exchange: exchangeName, Symbol: symbol, Price: f.Float(data.MarkPrice), Timestamp: data.EventTime}
	index := schema.IndexPrice{Exchange: exchangeName, Symbol: symbol, Price: f.Float(data.IndexPrice), Timestamp: data.EventTime}
	if err := f.Err(); err != nil {
		return venue.DecodeError(exchangeName, "markPrice", err)
	}
	d.emit.Publish(ctx, schema.TopicMarkPrice, mark)
	d.emit.Publish(ctx, schema.TopicIndexPrice, index)
	// delivery contracts carry no funding rate
	if data.FundingRate != "" {
		rate, err := venue.Float(data.FundingRate)
		if err != nil {
			return venue.DecodeError(exchangeName, "markPrice", err)
		}
		d.emit.Publish(ctx, schema.TopicFundingRate, schema.FundingRate{
			Exchange:        exchangeName,
			Symbol:          symbol,
			Rate:            rate,
			Timestamp:       data.EventTime,
			NextFundingTime: data.NextFundingTime,
		})
	}
	return nil
}

func (d *decoder) kline(ctx context.Context, frame stream.Frame) error {
	data, err := decode[klineData]("kline", frame)
	if err != nil {
		return err
	}
	var f venue.Fields
	kline := schema.Kline{
		Exchange:  exchangeName,
		Symbol:    d.symbol(data.Symbol),
		Interval:  data.K.Interval,
		Open:      f.Float(data.K.Open),
		High:      f.Float(data.K.High),
		Low:       f.Float(data.K.Low),
		Close:     f.Float(data.K.Close),
		Volume:    f.Float(data.K.Volume),
		Timestamp: data.K.Start,
		Confirmed: data.K.Closed,
	}
	if err := f.Err(); err != nil {
		return venue.DecodeError(exchangeName, "kline", err)
	}
	d.emit.Publish(ctx, schema.TopicKline, kline)
	return nil
}

// userData dispatches user data stream events by their "e" field.
func (d *decoder) userData(ctx context.Context, frame stream.Frame) error {
	event, err := decode[userEvent]("user data", frame)
	if err != nil {
		return err
	}
	switch event.Event {
	case "executionReport":
		report, err := decode[executionReport]("executionReport", frame)
		if err != nil {
			return err
		}
		return d.publishOrder(ctx, report)
	case "ORDER_TRADE_UPDATE":
		var report executionReport
		if err := venue.Decode(exchangeName, "ORDER_TRADE_UPDATE", event.Order, &report); err != nil {
			return err
		}
		return d.publishOrder(ctx, report)
	case "outboundAccountPosition":
		for _, b := range event.Balances {
			var f venue.Fields
			balance := schema.AccountBalance{
				Exchange:  exchangeName,
				Asset:     b.Asset,
				Free:      f.Decimal(b.Free),
				Locked:    f.Decimal(b.Locked),
				Timestamp: event.EventTime,
			}
			if err := f.Err(); err != nil {
				return venue.DecodeError(exchangeName, "outboundAccountPosition", err)
			}
			d.emit.Publish(ctx, schema.TopicBalance, balance)
		}
		return nil
	case "ACCOUNT_UPDATE":
		return d.accountUpdate(ctx, event)
	case "listenKeyExpired":
		d.logger.Warn("listen key expired", observability.F("topic", frame.Topic))
		return nil
	default:
		d.logger.Debug("ignored user data event", observability.F("event", event.Event))
		return nil
	}
}

func (d *decoder) accountUpdate(ctx context.Context, event userEvent) error {
	if len(event.Account) == 0 {
		return nil
	}
	var account accountData
	if err := venue.Decode(exchangeName, "ACCOUNT_UPDATE", event.Account, &account); err != nil {
		return err
	}
	ts := firstNonZero(event.TxTime, event.EventTime)
	for _, b := range account.Balances {
		var f venue.Fields
		wallet := f.Decimal(b.WalletBalance)
		free := wallet
		if b.CrossWallet != "" {
			free = f.Decimal(b.CrossWallet)
		}
		balance := schema.AccountBalance{
			Exchange:  exchangeName,
			Asset:     b.Asset,
			Free:      free,
			Locked:    decimal.Max(wallet.Sub(free), decimal.Zero),
			Timestamp: ts,
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "ACCOUNT_UPDATE", err)
		}
		d.emit.Publish(ctx, schema.TopicBalance, balance)
	}
	for _, p := range account.Positions {
		var f venue.Fields
		side, ok := positionSides[p.PositionSide]
		if !ok {
			side = schema.PositionSideFlat
		}
		position := schema.VenuePosition{
			Exchange:      exchangeName,
			Symbol:        d.symbol(p.Symbol),
			Side:          side,
			Amount:        f.Decimal(p.Amount),
			EntryPrice:    f.Float(p.EntryPrice),
			UnrealizedPnL: f.Float(p.UnrealizedPnL),
			Timestamp:     ts,
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "ACCOUNT_UPDATE", err)
		}
		d.emit.Publish(ctx, schema.TopicVenuePosition, position)
	}
	return nil
}

func (d *decoder) publishOrder(ctx context.Context, report executionReport) error {
	order, err := d.toOrder(report)
	if err != nil {
		return venue.DecodeError(exchangeName, "order", err)
	}
	d.emit.Publish(ctx, schema.TopicOrder, order)
	return nil
}

func (d *decoder) toOrder(r executionReport) (schema.Order, error) {
	status, ok := orderStatuses[r.Status]
	if !ok {
		return schema.Order{}, fmt.Errorf("unknown order status %q", r.Status)
	}
	var f venue.Fields
	order := schema.Order{
		Exchange:   exchangeName,
		Symbol:     d.symbol(r.Symbol),
		Status:     status,
		ID:         schema.Ptr(strconv.FormatInt(r.OrderID, 10)),
		ReduceOnly: schema.Ptr(r.ReduceOnly),
		Timestamp:  schema.Ptr(r.TxTime),
	}
	if r.ClientOrderID != "" {
		order.ClientOrderID = schema.Ptr(r.ClientOrderID)
	}
	if orderType, ok := schema.ParseOrderType(r.OrderType); ok {
		order.Type = &orderType
	}
	if side, ok := schema.ParseOrderSide(r.Side); ok {
		order.Side = &side
	}
	if tif, ok := schema.ParseTimeInForce(r.TimeInForce); ok {
		order.TimeInForce = &tif
	}
	if price := f.Float(r.Price); price != 0 {
		order.Price = &price
	}
	amount := f.Decimal(r.Quantity)
	filled := f.Decimal(r.CumFilled)
	order.Amount = &amount
	order.Filled = &filled
	order.Remaining = schema.Ptr(decimal.Max(amount.Sub(filled), decimal.Zero))

	switch {
	case r.CumQuote != "":
		cost := f.Float(r.CumQuote)
		order.Cost = &cost
		order.CumCost = schema.Ptr(cost)
		if !filled.IsZero() {
			order.Average = schema.Ptr(cost / filled.InexactFloat64())
		}
	case r.AveragePrice != "":
		if avg := f.Float(r.AveragePrice); avg != 0 {
			order.Average = &avg
			cost := avg * filled.InexactFloat64()
			order.Cost = &cost
			order.CumCost = schema.Ptr(cost)
		}
	}
	if r.LastFilled != "" {
		order.LastFilled = schema.Ptr(f.Decimal(r.LastFilled))
		order.LastFilledPrice = schema.Ptr(f.Float(r.LastPrice))
	}
	if r.Fee != "" {
		order.Fee = schema.Ptr(f.Float(r.Fee))
	}
	if r.FeeAsset != nil && *r.FeeAsset != "" {
		order.FeeCurrency = schema.Ptr(*r.FeeAsset)
	}
	if side, ok := positionSides[r.PositionSideRaw]; ok {
		order.PositionSide = &side
	}
	return order, f.Err()
}
