package models

// WebSocket message types
const (
	WSTypeHistory    = "history"
	WSTypeMessage    = "message"
	WSTypeReconciled = "reconciled"
	WSTypeState      = "state"
	WSTypeError      = "error"
)

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSClientFrame is what a chat view sends over the socket.
type WSClientFrame struct {
	Type string `json:"type"` // "send"
	Text string `json:"text"`
}

type MessageEvent struct {
	Message Message `json:"message"`
	HTML    string  `json:"html,omitempty"`
}

type HistoryEvent struct {
	Messages []Message `json:"messages"`
}

type ReconciledEvent struct {
	LocalID string  `json:"local_id"`
	Message Message `json:"message"`
}

type StateEvent struct {
	State string `json:"state"`
}

type ErrorEvent struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
