package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys shared by every instrument. Naming follows namespace.attribute_name.
const (
	AttrEnvironment     = attribute.Key("environment")
	AttrExchange        = attribute.Key("exchange")
	AttrAccountType     = attribute.Key("account.type")
	AttrSymbol          = attribute.Key("symbol")
	AttrTopic           = attribute.Key("topic")
	AttrConnectionState = attribute.Key("connection.state")
	AttrFrameKind       = attribute.Key("frame.kind")
	AttrResult          = attribute.Key("result")
	AttrStrategy        = attribute.Key("strategy")
	AttrOrderStatus     = attribute.Key("order.status")
	AttrDBPool          = attribute.Key("db.pool")
)

// SessionAttributes labels session instruments.
func SessionAttributes(exchange, accountType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExchange.String(exchange),
		AttrAccountType.String(accountType),
	}
}
