package okx

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

type push[T any] struct {
	Arg    wsArg  `json:"arg"`
	Action string `json:"action"`
	Data   []T    `json:"data"`
}

type bookData struct {
	Asks      [][]string `json:"asks"`
	Bids      [][]string `json:"bids"`
	TS        string     `json:"ts"`
	SeqID     int64      `json:"seqId"`
	PrevSeqID int64      `json:"prevSeqId"`
}

type tradeData struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

type markPriceData struct {
	InstID string `json:"instId"`
	MarkPx string `json:"markPx"`
	TS     string `json:"ts"`
}

type indexTickerData struct {
	InstID string `json:"instId"`
	IdxPx  string `json:"idxPx"`
	TS     string `json:"ts"`
}

type fundingRateData struct {
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
	TS              string `json:"ts"`
}

type orderData struct {
	InstType   string `json:"instType"`
	InstID     string `json:"instId"`
	OrdID      string `json:"ordId"`
	ClOrdID    string `json:"clOrdId"`
	Px         string `json:"px"`
	Sz         string `json:"sz"`
	OrdType    string `json:"ordType"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	AccFillSz  string `json:"accFillSz"`
	FillPx     string `json:"fillPx"`
	FillSz     string `json:"fillSz"`
	AvgPx      string `json:"avgPx"`
	State      string `json:"state"`
	Fee        string `json:"fee"`
	FeeCcy     string `json:"feeCcy"`
	ReduceOnly string `json:"reduceOnly"`
	UTime      string `json:"uTime"`
}

type fillData struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	FillSz  string `json:"fillSz"`
	FillPx  string `json:"fillPx"`
	Side    string `json:"side"`
	TS      string `json:"ts"`
}

type accountData struct {
	UTime   string `json:"uTime"`
	Details []struct {
		Ccy       string `json:"ccy"`
		AvailBal  string `json:"availBal"`
		CashBal   string `json:"cashBal"`
		FrozenBal string `json:"frozenBal"`
		Liab      string `json:"liab"`
		UTime     string `json:"uTime"`
	} `json:"details"`
}

type positionData struct {
	InstType string `json:"instType"`
	InstID   string `json:"instId"`
	Pos      string `json:"pos"`
	PosSide  string `json:"posSide"`
	AvgPx    string `json:"avgPx"`
	Upl      string `json:"upl"`
	UTime    string `json:"uTime"`
}

var orderStatuses = map[string]schema.OrderStatus{
	"live":             schema.OrderStatusAccepted,
	"partially_filled": schema.OrderStatusPartiallyFilled,
	"filled":           schema.OrderStatusFilled,
	"canceled":         schema.OrderStatusCanceled,
	"mmp_canceled":     schema.OrderStatusCanceled,
}

var positionSides = map[string]schema.PositionSide{
	"net":   schema.PositionSideFlat,
	"long":  schema.PositionSideLong,
	"short": schema.PositionSideShort,
}

// marketKind infers the product line from an instrument id: BTC-USDT is spot, BTC-USD-SWAP and
// dated BTC-USD futures are inverse, everything else is linear.
func marketKind(instID string) schema.MarketKind {
	parts := strings.Split(instID, "-")
	switch {
	case len(parts) <= 2:
		return schema.MarketSpot
	case parts[1] == "USD":
		return schema.MarketInverse
	default:
		return schema.MarketLinear
	}
}

type decoder struct {
	emit      *venue.Emitter
	books     *orderbook.Books
	bookDepth int
	logger    observability.Logger
}

func newDecoder(emit *venue.Emitter, bookDepth int, logger observability.Logger) *decoder {
	return &decoder{
		emit:      emit,
		books:     orderbook.NewBooks(orderbook.PrevLinked),
		bookDepth: bookDepth,
		logger:    logger,
	}
}

func decodePush[T any](what string, frame stream.Frame) (push[T], error) {
	var msg push[T]
	err := venue.Decode(exchangeName, what, frame.Raw, &msg)
	return msg, err
}

func (d *decoder) symbol(instID string) string {
	return d.emit.Symbol(instID, marketKind(instID))
}

// bboTBT publishes top of book from the bbo-tbt channel.
func (d *decoder) bboTBT(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[bookData]("bbo-tbt", frame)
	if err != nil {
		return err
	}
	symbol := d.symbol(msg.Arg.InstID)
	for _, item := range msg.Data {
		if len(item.Bids) == 0 || len(item.Asks) == 0 || len(item.Bids[0]) < 2 || len(item.Asks[0]) < 2 {
			continue
		}
		var f venue.Fields
		book := schema.BookL1{
			Exchange:  exchangeName,
			Symbol:    symbol,
			Bid:       f.Float(item.Bids[0][0]),
			BidSize:   f.Float(item.Bids[0][1]),
			Ask:       f.Float(item.Asks[0][0]),
			AskSize:   f.Float(item.Asks[0][1]),
			Timestamp: f.Int(item.TS),
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "bbo-tbt", err)
		}
		d.emit.Publish(ctx, schema.TopicBookL1, book)
	}
	return nil
}

// books5 publishes full depth snapshots.
func (d *decoder) books5(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[bookData]("books5", frame)
	if err != nil {
		return err
	}
	symbol := d.symbol(msg.Arg.InstID)
	for _, item := range msg.Data {
		book := orderbook.New(orderbook.PrevLinked)
		ts, err := venue.Int(item.TS)
		if err != nil {
			return venue.DecodeError(exchangeName, "books5", err)
		}
		if err := book.ApplySnapshot(uint64(max(item.SeqID, 0)), venue.Levels(item.Bids), venue.Levels(item.Asks), ts); err != nil {
			return venue.DecodeError(exchangeName, "books5", err)
		}
		bids, asks := book.Top(0)
		d.emit.Publish(ctx, schema.TopicBookL2, schema.BookL2{
			Exchange:  exchangeName,
			Symbol:    symbol,
			Bids:      bids,
			Asks:      asks,
			Timestamp: ts,
		})
	}
	return nil
}

// orderBook maintains an incremental book (books, books-l2-tbt) and resyncs on gaps.
func (d *decoder) orderBook(ctx context.Context, frame stream.Frame, resync func(context.Context) error) error {
	msg, err := decodePush[bookData](channelOf(frame.Topic), frame)
	if err != nil {
		return err
	}
	symbol := d.symbol(msg.Arg.InstID)
	book := d.books.Get(msg.Arg.key())
	for _, item := range msg.Data {
		ts, err := venue.Int(item.TS)
		if err != nil {
			return venue.DecodeError(exchangeName, msg.Arg.Channel, err)
		}
		applied := true
		if msg.Action == "snapshot" {
			err = book.ApplySnapshot(uint64(max(item.SeqID, 0)), venue.Levels(item.Bids), venue.Levels(item.Asks), ts)
		} else {
			applied, err = book.ApplyDelta(orderbook.Delta{
				PrevSeq:   uint64(max(item.PrevSeqID, 0)),
				Seq:       uint64(max(item.SeqID, 0)),
				Bids:      venue.Levels(item.Bids),
				Asks:      venue.Levels(item.Asks),
				Timestamp: ts,
			})
		}
		switch {
		case errors.Is(err, orderbook.ErrSequenceGap):
			d.logger.Warn("order book gap, resyncing",
				observability.F("topic", frame.Topic),
				observability.F("prev_seq", item.PrevSeqID),
				observability.F("seq", item.SeqID))
			return resync(ctx)
		case errors.Is(err, orderbook.ErrAwaitingSnapshot):
			d.logger.Debug("delta before snapshot dropped", observability.F("topic", frame.Topic))
			return nil
		case err != nil:
			return venue.DecodeError(exchangeName, msg.Arg.Channel, err)
		}
		if applied {
			d.publishBook(ctx, symbol, book)
		}
	}
	return nil
}

func channelOf(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}

func (d *decoder) publishBook(ctx context.Context, symbol string, book *orderbook.Book) {
	bids, asks := book.Top(d.bookDepth)
	l2 := schema.BookL2{
		Exchange:  exchangeName,
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: book.Timestamp(),
	}
	if l1, ok := l2.L1(); ok {
		d.emit.Publish(ctx, schema.TopicBookL1, l1)
	}
	d.emit.Publish(ctx, schema.TopicBookL2, l2)
}

func (d *decoder) trades(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[tradeData]("trades", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		trade := schema.Trade{
			Exchange:  exchangeName,
			Symbol:    d.symbol(item.InstID),
			Price:     f.Float(item.Px),
			Size:      f.Float(item.Sz),
			Timestamp: f.Int(item.TS),
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "trades", err)
		}
		if side, ok := schema.ParseOrderSide(item.Side); ok {
			trade.Side = side
		}
		d.emit.Publish(ctx, schema.TopicTrade, trade)
	}
	return nil
}

// candles decodes candle<interval> rows: [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func (d *decoder) candles(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[[]string]("candle", frame)
	if err != nil {
		return err
	}
	interval := strings.TrimPrefix(msg.Arg.Channel, "candle")
	symbol := d.symbol(msg.Arg.InstID)
	for _, row := range msg.Data {
		if len(row) < 6 {
			return venue.DecodeError(exchangeName, "candle", fmt.Errorf("short row of %d fields", len(row)))
		}
		var f venue.Fields
		kline := schema.Kline{
			Exchange:  exchangeName,
			Symbol:    symbol,
			Interval:  interval,
			Timestamp: f.Int(row[0]),
			Open:      f.Float(row[1]),
			High:      f.Float(row[2]),
			Low:       f.Float(row[3]),
			Close:     f.Float(row[4]),
			Volume:    f.Float(row[5]),
			Confirmed: len(row) > 8 && row[8] == "1",
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "candle", err)
		}
		d.emit.Publish(ctx, schema.TopicKline, kline)
	}
	return nil
}

func (d *decoder) markPrice(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[markPriceData]("mark-price", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		mark := schema.MarkPrice{
			Exchange:  exchangeName,
			Symbol:    d.symbol(item.InstID),
			Price:     f.Float(item.MarkPx),
			Timestamp: f.Int(item.TS),
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "mark-price", err)
		}
		d.emit.Publish(ctx, schema.TopicMarkPrice, mark)
	}
	return nil
}

// indexTickers publishes each index price once per symbol subscribed to that index. The index
// id (BTC-USDT) is shared by the spot pair and its derivatives.
func (d *decoder) indexTickers(symbols func() []string) stream.HandlerFunc {
	return func(ctx context.Context, frame stream.Frame) error {
		msg, err := decodePush[indexTickerData]("index-tickers", frame)
		if err != nil {
			return err
		}
		targets := symbols()
		for _, item := range msg.Data {
			var f venue.Fields
			price, ts := f.Float(item.IdxPx), f.Int(item.TS)
			if err := f.Err(); err != nil {
				return venue.DecodeError(exchangeName, "index-tickers", err)
			}
			for _, symbol := range targets {
				d.emit.Publish(ctx, schema.TopicIndexPrice, schema.IndexPrice{
					Exchange:  exchangeName,
					Symbol:    symbol,
					Price:     price,
					Timestamp: ts,
				})
			}
		}
		return nil
	}
}

func (d *decoder) fundingRate(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[fundingRateData]("funding-rate", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		rate := schema.FundingRate{
			Exchange:        exchangeName,
			Symbol:          d.symbol(item.InstID),
			Rate:            f.Float(item.FundingRate),
			Timestamp:       f.Int(item.TS),
			NextFundingTime: f.Int(item.NextFundingTime),
		}
		if rate.Timestamp == 0 {
			rate.Timestamp = f.Int(item.FundingTime)
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "funding-rate", err)
		}
		d.emit.Publish(ctx, schema.TopicFundingRate, rate)
	}
	return nil
}

func (d *decoder) orders(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[orderData]("orders", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		order, err := d.toOrder(item)
		if err != nil {
			return venue.DecodeError(exchangeName, "orders", err)
		}
		d.emit.Publish(ctx, schema.TopicOrder, order)
	}
	return nil
}

func (d *decoder) toOrder(item orderData) (schema.Order, error) {
	status, ok := orderStatuses[item.State]
	if !ok {
		return schema.Order{}, fmt.Errorf("unknown order state %q", item.State)
	}
	var f venue.Fields
	order := schema.Order{
		Exchange: exchangeName,
		Symbol:   d.symbol(item.InstID),
		Status:   status,
		ID:       schema.Ptr(item.OrdID),
	}
	if item.ClOrdID != "" {
		order.ClientOrderID = schema.Ptr(item.ClOrdID)
	}
	if orderType, ok := schema.ParseOrderType(item.OrdType); ok {
		order.Type = &orderType
	}
	if side, ok := schema.ParseOrderSide(item.Side); ok {
		order.Side = &side
	}
	order.TimeInForce = schema.Ptr(timeInForce(item.OrdType))
	if item.Px != "" {
		order.Price = schema.Ptr(f.Float(item.Px))
	}
	amount := f.Decimal(item.Sz)
	filled := f.Decimal(item.AccFillSz)
	order.Amount = &amount
	order.Filled = &filled
	order.Remaining = schema.Ptr(decimal.Max(amount.Sub(filled), decimal.Zero))
	if item.AvgPx != "" {
		avg := f.Float(item.AvgPx)
		order.Average = &avg
		cost := avg * filled.InexactFloat64()
		order.Cost = &cost
		order.CumCost = schema.Ptr(cost)
	}
	if item.FillPx != "" {
		order.LastFilledPrice = schema.Ptr(f.Float(item.FillPx))
	}
	if item.FillSz != "" {
		order.LastFilled = schema.Ptr(f.Decimal(item.FillSz))
	}
	if item.Fee != "" {
		order.Fee = schema.Ptr(f.Float(item.Fee))
	}
	if item.FeeCcy != "" {
		order.FeeCurrency = schema.Ptr(item.FeeCcy)
	}
	order.ReduceOnly = schema.Ptr(item.ReduceOnly == "true")
	if side, ok := positionSides[item.PosSide]; ok {
		order.PositionSide = &side
	}
	order.Timestamp = schema.Ptr(f.Int(item.UTime))
	return order, f.Err()
}

func timeInForce(ordType string) schema.TimeInForce {
	switch ordType {
	case "ioc", "optimal_limit_ioc":
		return schema.TimeInForceIOC
	case "fok":
		return schema.TimeInForceFOK
	default:
		return schema.TimeInForceGTC
	}
}

// fills publishes execution reports. They carry no cumulative quantity, so Filled stays nil.
func (d *decoder) fills(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[fillData]("fills", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		order := schema.Order{
			Exchange:        exchangeName,
			Symbol:          d.symbol(item.InstID),
			Status:          schema.OrderStatusPartiallyFilled,
			ID:              schema.Ptr(item.OrdID),
			LastFilledPrice: schema.Ptr(f.Float(item.FillPx)),
			LastFilled:      schema.Ptr(f.Decimal(item.FillSz)),
			Timestamp:       schema.Ptr(f.Int(item.TS)),
		}
		if item.ClOrdID != "" {
			order.ClientOrderID = schema.Ptr(item.ClOrdID)
		}
		if side, ok := schema.ParseOrderSide(item.Side); ok {
			order.Side = &side
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "fills", err)
		}
		d.emit.Publish(ctx, schema.TopicOrder, order)
	}
	return nil
}

func (d *decoder) account(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[accountData]("account", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		for _, detail := range item.Details {
			var f venue.Fields
			free := detail.AvailBal
			if free == "" {
				free = detail.CashBal
			}
			ts := detail.UTime
			if ts == "" {
				ts = item.UTime
			}
			balance := schema.AccountBalance{
				Exchange:  exchangeName,
				Asset:     detail.Ccy,
				Free:      f.Decimal(free),
				Locked:    f.Decimal(detail.FrozenBal),
				Borrowed:  f.Decimal(detail.Liab).Abs(),
				Timestamp: f.Int(ts),
			}
			if err := f.Err(); err != nil {
				return venue.DecodeError(exchangeName, "account", err)
			}
			d.emit.Publish(ctx, schema.TopicBalance, balance)
		}
	}
	return nil
}

func (d *decoder) positions(ctx context.Context, frame stream.Frame) error {
	msg, err := decodePush[positionData]("positions", frame)
	if err != nil {
		return err
	}
	for _, item := range msg.Data {
		var f venue.Fields
		side, ok := positionSides[item.PosSide]
		if !ok {
			side = schema.PositionSideFlat
		}
		position := schema.VenuePosition{
			Exchange:      exchangeName,
			Symbol:        d.symbol(item.InstID),
			Side:          side,
			Amount:        f.Decimal(item.Pos),
			EntryPrice:    f.Float(item.AvgPx),
			UnrealizedPnL: f.Float(item.Upl),
			Timestamp:     f.Int(item.UTime),
		}
		if err := f.Err(); err != nil {
			return venue.DecodeError(exchangeName, "positions", err)
		}
		d.emit.Publish(ctx, schema.TopicVenuePosition, position)
	}
	return nil
}
