package job

// State is a node of a job's state machine.
type State string

const (
	StateWaitingToStart State = "waiting_to_start"
	StateBeforeScan     State = "before_scan"
	StateScanning       State = "scanning"
	StateSynchronizing  State = "synchronizing"
	StateFinished       State = "finished"
	StateAborted        State = "aborted"
	StateCanceled       State = "canceled"

	// AnyState matches every non-terminal state in a transition entry.
	AnyState State = "*"
)

func (s State) String() string { return string(s) }

// IsTerminal reports whether no lifecycle work follows s. Self-loop data
// transitions may still be declared for terminal states explicitly.
func (s State) IsTerminal() bool {
	switch s {
	case StateFinished, StateAborted, StateCanceled:
		return true
	default:
		return false
	}
}

// Signal is a named transition request dispatched to a job.
type Signal string

const (
	SignalStart        Signal = "start"
	SignalScan         Signal = "scan"
	SignalScanComplete Signal = "scan_complete"
	SignalFinish       Signal = "finish"
	SignalData         Signal = "data"
	SignalAbort        Signal = "abort"
	SignalCancel       Signal = "cancel"
)

func (s Signal) String() string { return string(s) }

// Severity qualifies a job's status message.
type Severity string

const (
	SeverityOK    Severity = "ok"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Transitions maps a signal to its allowed from-state -> to-state moves.
type Transitions map[Signal]map[State]State

// BaseTransitions returns the generic scan lifecycle table.
func BaseTransitions() Transitions {
	return Transitions{
		SignalStart:        {StateWaitingToStart: StateBeforeScan},
		SignalScan:         {StateBeforeScan: StateScanning},
		SignalScanComplete: {StateScanning: StateSynchronizing},
		SignalFinish:       {StateSynchronizing: StateFinished},
		SignalData: {
			StateScanning:      StateScanning,
			StateSynchronizing: StateSynchronizing,
			StateFinished:      StateFinished,
		},
		SignalAbort:  {AnyState: StateAborted},
		SignalCancel: {AnyState: StateCanceled},
	}
}

// Merge replaces the entries of t for every signal present in other. A signal
// entry is replaced whole, not unioned.
func (t Transitions) Merge(other Transitions) {
	for sig, moves := range other {
		cp := make(map[State]State, len(moves))
		for from, to := range moves {
			cp[from] = to
		}
		t[sig] = cp
	}
}

// Next resolves the target state for sig from the current state. Explicit
// entries win over AnyState; AnyState never applies to terminal states.
func (t Transitions) Next(sig Signal, from State) (State, bool) {
	moves, ok := t[sig]
	if !ok {
		return "", false
	}
	if to, ok := moves[from]; ok {
		return to, true
	}
	if from.IsTerminal() {
		return "", false
	}
	to, ok := moves[AnyState]
	return to, ok
}
