package stream

// State is the orchestrator lifecycle state. The numeric values are exported
// as the klinefeed_pipeline_state gauge.
type State int32

const (
	StateBootstrapping State = iota + 1
	StateConnected
	StateStreaming
	StateDisconnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateDisconnected:
		return "disconnected"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
