package mq

// Routing keys on the events exchange.
const (
	RoutingKeyMessageReceived  = "message.received"
	RoutingKeyMessageProcessed = "message.processed"
)

// MessageReceivedPayload announces a newly stored inbound message with its
// processed flag still false. The pipeline loads the record itself; the
// event only carries the ID so stale payload copies can never be trusted.
type MessageReceivedPayload struct {
	MessageID int64 `json:"message_id"`
}

// MessageProcessedPayload is published after the terminal mark so
// downstream consumers (notification plumbing, UI) can react.
type MessageProcessedPayload struct {
	MessageID int64  `json:"message_id"`
	Result    string `json:"result"`
}
