package schema

// Topic names an event bus channel. Payloads are the value types of this package.
type Topic string

// Event bus topics.
const (
	TopicBookL1        Topic = "bookl1"
	TopicBookL2        Topic = "bookl2"
	TopicTrade         Topic = "trade"
	TopicKline         Topic = "kline"
	TopicMarkPrice     Topic = "mark_price"
	TopicFundingRate   Topic = "funding_rate"
	TopicIndexPrice    Topic = "index_price"
	TopicOrder         Topic = "order"
	TopicBalance       Topic = "balance"
	TopicVenuePosition Topic = "venue_position"
	TopicPosition      Topic = "position"
)
