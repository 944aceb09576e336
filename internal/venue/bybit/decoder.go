package bybit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/observability"
	"github.com/coachpo/tradegate/internal/orderbook"
	"github.com/coachpo/tradegate/internal/stream"
	"github.com/coachpo/tradegate/internal/venue"
)

type message[T any] struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	TS    int64  `json:"ts"`
	Data  T      `json:"data"`
}

type bookData struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
	Update uint64     `json:"u"`
	Seq    uint64     `json:"seq"`
}

type tradeData struct {
	T      int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
}

type tickerData struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

type klineData struct {
	Start     int64  `json:"start"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Confirm   bool   `json:"confirm"`
	Timestamp int64  `json:"timestamp"`
}

type orderData struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	TimeInForce  string `json:"timeInForce"`
	OrderStatus  string `json:"orderStatus"`
	ReduceOnly   bool   `json:"reduceOnly"`
	LeavesQty    string `json:"leavesQty"`
	CumExecQty   string `json:"cumExecQty"`
	CumExecValue string `json:"cumExecValue"`
	CumExecFee   string `json:"cumExecFee"`
	AvgPrice     string `json:"avgPrice"`
	PositionIdx  int    `json:"positionIdx"`
	UpdatedTime  string `json:"updatedTime"`
}

type walletData struct {
	Coin []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Locked        string `json:"locked"`
		BorrowAmount  string `json:"borrowAmount"`
	} `json:"coin"`
}

type positionData struct {
	Category      string `json:"category"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	PositionIdx   int    `json:"positionIdx"`
	UpdatedTime   string `json:"updatedTime"`
}

var orderStatuses = map[string]schema.OrderStatus{
	"New":                     schema.OrderStatusAccepted,
	"PartiallyFilled":         schema.OrderStatusPartiallyFilled,
	"Filled":                  schema.OrderStatusFilled,
	"Cancelled":               schema.OrderStatusCanceled,
	"PartiallyFilledCanceled": schema.OrderStatusCanceled,
	"Deactivated":             schema.OrderStatusCanceled,
	"Rejected":                schema.OrderStatusFailed,
}

var positionSides = map[int]schema.PositionSide{
	0: schema.PositionSideFlat,
	1: schema.PositionSideLong,
	2: schema.PositionSideShort,
}

func categoryKind(category string, fallback schema.MarketKind) schema.MarketKind {
	switch category {
	case "spot":
		return schema.MarketSpot
	case "linear":
		return schema.MarketLinear
	case "inverse":
		return schema.MarketInverse
	default:
		return fallback
	}
}

type decoder struct {
	emit      *venue.Emitter
	kind      schema.MarketKind
	books     *orderbook.Books
	bookDepth int
	logger    observability.Logger
}

func newDecoder(emit *venue.Emitter, kind schema.MarketKind, bookDepth int, logger observability.Logger) *decoder {
	return &decoder{
		emit:      emit,
		kind:      kind,
		books:     orderbook.NewBooks(orderbook.Consecutive),
		bookDepth: bookDepth,
		logger:    logger,
	}
}

func decode[T any](what string, frame stream.Frame) (message[T], error) {
	var msg message[T]
	err := venue.Decode(exchangeName, what, frame.Raw, &msg)
	return msg, err
}

// orderBook maintains the local book of an orderbook.<depth>.<symbol> topic and publishes
// BookL1 and BookL2 after every applied update.
func (d *decoder) orderBook(ctx context.Context, frame stream.Frame, resync func(context.Context) error) error {
	msg, err := decode[bookData]("orderbook", frame)
	if err != nil {
		return err
	}
	book := d.books.Get(frame.Topic)
	bids, asks := venue.Levels(msg.Data.Bids), venue.Levels(msg.Data.Asks)

	applied := true
	// u == 1 marks a snapshot after a venue restart, whatever the type says.
	if msg.Type == "snapshot" || msg.Data.Update == 1 {
		err = book.ApplySnapshot(msg.Data.Update, bids, asks, msg.TS)
	} else {
		applied, err = book.ApplyDelta(orderbook.Delta{
			Seq:       msg.Data.Update,
			Bids:      bids,
			Asks:      asks,
			Timestamp: msg.TS,
		})
	}
	switch {
	case errors.Is(err, orderbook.ErrSequenceGap):
		d.logger.Warn("order book gap, resyncing",
			observability.F("topic", frame.Topic),
			observability.F("update_id", msg.Data.Update))
		return resync(ctx)
	case errors.Is(err, orderbook.ErrAwaitingSnapshot):
		d.logger.Debug("delta before snapshot dropped", observability.F("topic", frame.Topic))
		return nil
	case err != nil:
		return venue.DecodeError(exchangeName, "orderbook", err)
	}
	if !applied {
		return nil
	}

	top, bottom := book.Top(d.bookDepth)
	l2 := schema.BookL2{
		Exchange:  exchangeName,
		Symbol:    d.emit.Symbol(msg.Data.Symbol, d.kind),
		Bids:      top,
		Asks:      bottom,
		Timestamp: msg.TS,
	}
	if l1, ok := l2.L1(); ok {
		d.emit.Publish(ctx, schema.TopicBookL1, l1)
	}
	d.emit.Publish(ctx, schema.TopicBookL2, l2)
	return nil
}

func (d *decoder) publicTrade(ctx context.Context, frame stream.Frame) error {
	msg, err := decode[[]tradeData]("publicTrade", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		trade := schema.Trade{
			Exchange:  exchangeName,
			Symbol:    d.emit.Symbol(item.Symbol, d.kind),
			Price:     f.Float(item.Price),
			Size:      f.Float(item.Size),
			Timestamp: item.T,
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "publicTrade", err)
		}
		if side, ok := schema.ParseOrderSide(item.Side); ok {
			trade.Side = side
		}
		d.emit.Publish(ctx, schema.TopicTrade, trade)
	}
	return nil
}

// tickers publishes the derivative prices present in the update. Deltas carry changed fields only.
func (d *decoder) tickers(ctx context.Context, frame stream.Frame) error {
	msg, err := decode[tickerData]("tickers", frame)
	if err != nil {
		return err
	}
	item := msg.Data
	symbol := d.emit.Symbol(item.Symbol, d.kind)
	var f venue.Fields
	if item.MarkPrice != "" {
		d.emit.Publish(ctx, schema.TopicMarkPrice, schema.MarkPrice{
			Exchange: exchangeName, Symbol: symbol, Price: f.Float(item.MarkPrice), Timestamp: msg.TS,
		})
	}
	if item.IndexPrice != "" {
		d.emit.Publish(ctx, schema.TopicIndexPrice, schema.IndexPrice{
			Exchange: exchangeName, Symbol: symbol, Price: f.Float(item.IndexPrice), Timestamp: msg.TS,
		})
	}
	if item.FundingRate != "" {
		d.emit.Publish(ctx, schema.TopicFundingRate, schema.FundingRate{
			Exchange:        exchangeName,
			Symbol:          symbol,
			Rate:            f.Float(item.FundingRate),
			Timestamp:       msg.TS,
			NextFundingTime: f.Int(item.NextFundingTime),
		})
	}
	if err := f.Err(); err != nil {
		return venue.DecodeError(exchangeName, "tickers", err)
	}
	return nil
}

// kline decodes kline.<interval>.<symbol>; the symbol is only present in the topic.
func (d *decoder) kline(ctx context.Context, frame stream.Frame) error {
	msg, err := decode[[]klineData]("kline", frame)
	if err != nil {
		return err
	}
	parts := strings.SplitN(msg.Topic, ".", 3)
	if len(parts) != 3 {
		return venue.DecodeError(exchangeName, "kline", fmt.Errorf("malformed topic %q", msg.Topic))
	}
	symbol := d.emit.Symbol(parts[2], d.kind)
	for _, item := range msg.Data {
		var f venue.Fields
		kline := schema.Kline{
			Exchange:  exchangeName,
			Symbol:    symbol,
			Interval:  item.Interval,
			Open:      f.Float(item.Open),
			High:      f.Float(item.High),
			Low:       f.Float(item.Low),
			Close:     f.Float(item.Close),
			Volume:    f.Float(item.Volume),
			Timestamp: item.Start,
			Confirmed: item.Confirm,
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "kline", err)
		}
		d.emit.Publish(ctx, schema.TopicKline, kline)
	}
	return nil
}

func (d *decoder) orders(ctx context.Context, frame stream.Frame) error {
	msg, err := decode[[]orderData]("order", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		order, err := d.toOrder(item)
		if err != nil {
			return venue.DecodeError(exchangeName, "order", err)
		}
		d.emit.Publish(ctx, schema.TopicOrder, order)
	}
	return nil
}

func (d *decoder) toOrder(item orderData) (schema.Order, error) {
	status, ok := orderStatuses[item.OrderStatus]
	if !ok {
		return schema.Order{}, fmt.Errorf("unknown order status %q", item.OrderStatus)
	}
	var f venue.Fields
	order := schema.Order{
		Exchange: exchangeName,
		Symbol:   d.emit.Symbol(item.Symbol, categoryKind(item.Category, d.kind)),
		Status:   status,
		ID:       schema.Ptr(item.OrderID),
	}
	if item.OrderLinkID != "" {
		order.ClientOrderID = schema.Ptr(item.OrderLinkID)
	}
	if orderType, ok := schema.ParseOrderType(item.OrderType); ok {
		order.Type = &orderType
	}
	if side, ok := schema.ParseOrderSide(item.Side); ok {
		order.Side = &side
	}
	if tif, ok := schema.ParseTimeInForce(item.TimeInForce); ok {
		order.TimeInForce = &tif
	}
	if price := f.Float(item.Price); price != 0 {
		order.Price = &price
	}
	if avg := f.Float(item.AvgPrice); avg != 0 {
		order.Average = &avg
	}
	amount := f.Decimal(item.Qty)
	filled := f.Decimal(item.CumExecQty)
	remaining := f.Decimal(item.LeavesQty)
	if item.LeavesQty == "" {
		remaining = decimal.Max(amount.Sub(filled), decimal.Zero)
	}
	order.Amount = &amount
	order.Filled = &filled
	order.Remaining = &remaining
	if item.CumExecValue != "" {
		cost := f.Float(item.CumExecValue)
		order.Cost = &cost
		order.CumCost = schema.Ptr(cost)
	}
	if item.CumExecFee != "" {
		order.Fee = schema.Ptr(f.Float(item.CumExecFee))
	}
	order.ReduceOnly = schema.Ptr(item.ReduceOnly)
	if side, ok := positionSides[item.PositionIdx]; ok {
		order.PositionSide = &side
	}
	order.Timestamp = schema.Ptr(f.Int(item.UpdatedTime))
	return order, f.Err()
}

func (d *decoder) wallet(ctx context.Context, frame stream.Frame) error {
	var msg struct {
		CreationTime int64        `json:"creationTime"`
		Data         []walletData `json:"data"`
	}
	if err := venue.Decode(exchangeName, "wallet", frame.Raw, &msg); err != nil {
		return err
	}
	for _, account := range msg.Data {
		for _, coin := range account.Coin {
			var f venue.Fields
			total := f.Decimal(coin.WalletBalance)
			locked := f.Decimal(coin.Locked)
			balance := schema.AccountBalance{
				Exchange:  exchangeName,
				Asset:     coin.Coin,
				Free:      decimal.Max(total.Sub(locked), decimal.Zero),
				Locked:    locked,
				Borrowed:  f.Decimal(coin.BorrowAmount),
				Timestamp: msg.CreationTime,
			}
			if err := f.Err(); err != nil {
				return venue.DecodeError(exchangeName, "wallet", err)
			}
			d.emit.Publish(ctx, schema.TopicBalance, balance)
		}
	}
	return nil
}

func (d *decoder) positions(ctx context.Context, frame stream.Frame) error {
	msg, err := decode[[]positionData]("position", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		side, ok := positionSides[item.PositionIdx]
		if !ok {
			side = schema.PositionSideFlat
		}
		amount := f.Decimal(item.Size)
		if item.Side == "Sell" {
			amount = amount.Neg()
		}
		position := schema.VenuePosition{
			Exchange:      exchangeName,
			Symbol:        d.emit.Symbol(item.Symbol, categoryKind(item.Category, d.kind)),
			Side:          side,
			Amount:        amount,
			EntryPrice:    f.Float(item.EntryPrice),
			UnrealizedPnL: f.Float(item.UnrealisedPnl),
			Timestamp:     f.Int(item.UpdatedTime),
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "position", err)
		}
		d.emit.Publish(ctx, schema.TopicVenuePosition, position)
	}
	return nil
}
