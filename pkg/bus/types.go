package bus

// Event kinds published by the core. The dashboard and the status TUI key
// their updates off these.
const (
	EventMessageReceived = "message.received"
	EventJobStarted      = "job.started"
	EventJobDone         = "job.done"
	EventJobFailed       = "job.failed"
	EventJobWaiting      = "job.waiting"
	EventCardMoved       = "card.moved"
	EventAutomationRun   = "automation.run"
)

// Event is one observability record. Data is kind-specific and must be
// JSON-serializable; events cross the dashboard websocket as-is.
type Event struct {
	Type   string      `json:"type"`
	Source string      `json:"source"`
	Data   interface{} `json:"data"`
}
