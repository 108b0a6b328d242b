package events

// Topic enumerates the high-level event streams inside the execution core.
type Topic string

const (
	TopicConnection     Topic = "connection.state"
	TopicTick           Topic = "price.tick"
	TopicOrderFilled    Topic = "order.filled"
	TopicPositionUpdate Topic = "position.update"
	TopicTradeOpened    Topic = "trade.opened"
	TopicTradeClosed    Topic = "trade.closed"
	TopicAlert          Topic = "alert"
)

// ConnectionChange is published whenever the connection manager transitions.
type ConnectionChange struct {
	Connected bool
	Server    string
	Login     int64
	Reason    string
}
