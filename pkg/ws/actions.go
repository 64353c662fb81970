package ws

// Action constants for WebSocket messages
const (
	// Client -> server
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// Server -> client acknowledgements
	ActionSubscribed   = "subscribed"
	ActionUnsubscribed = "unsubscribed"

	// Server -> client notifications (per-agent room)
	ActionAgentCreated  = "agent:created"
	ActionAgentMessage  = "agent:message"
	ActionAgentComplete = "agent:complete"
	ActionAgentError    = "agent:error"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
