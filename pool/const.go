package pool

type State uint32

// pool state. Ready means the queue holds idle holders, Busy means it
// holds waiting callers (or nothing at all). The queue never mixes the
// two kinds.
const (
	Busy State = iota
	Ready
)

// run state
const (
	poolRunning = iota
	poolClosed
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "busy"
}
