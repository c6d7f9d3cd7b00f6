package consumer

// State is the lifecycle state of the consumption loop.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateRebalancing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateRebalancing:
		return "rebalancing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerState is the state of one partition worker.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerDispatching
	WorkerAdvancing
	WorkerHalted
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerDispatching:
		return "dispatching"
	case WorkerAdvancing:
		return "advancing"
	case WorkerHalted:
		return "halted"
	default:
		return "unknown"
	}
}
