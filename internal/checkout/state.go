package checkout

import "time"

// State is the phase of one checkout attempt.
type State int

const (
	StateIdle State = iota
	StateCreatingOrder
	StateAwaitingGatewayWidget
	StateWidgetOpen
	StateVerifyingPayment
	StateFulfilled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCreatingOrder:
		return "creating_order"
	case StateAwaitingGatewayWidget:
		return "awaiting_gateway_widget"
	case StateWidgetOpen:
		return "widget_open"
	case StateVerifyingPayment:
		return "verifying_payment"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition is handed to the optional transition hook.
type Transition struct {
	Surface string
	From    State
	To      State
	At      time.Time
}
