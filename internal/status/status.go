// Package status holds the two status vocabularies of the orchestrator: the
// node state machine and the completion status reported by build phases.
package status

// Node is the lifecycle state of a build node.
type Node string

const (
	New                        Node = "NEW"
	Enqueued                   Node = "ENQUEUED"
	WaitingForDependencies     Node = "WAITING_FOR_DEPENDENCIES"
	Building                   Node = "BUILDING"
	BuildCompleted             Node = "BUILD_COMPLETED"
	Done                       Node = "DONE"
	Rejected                   Node = "REJECTED"
	RejectedFailedDependencies Node = "REJECTED_FAILED_DEPENDENCIES"
	RejectedAlreadyBuilt       Node = "REJECTED_ALREADY_BUILT"
	SystemError                Node = "SYSTEM_ERROR"
	DoneWithErrors             Node = "DONE_WITH_ERRORS"
	Cancelled                  Node = "CANCELLED"
)

type nodeInfo struct {
	final  bool
	failed bool
}

var nodeTable = map[Node]nodeInfo{
	New:                        {},
	Enqueued:                   {},
	WaitingForDependencies:     {},
	Building:                   {},
	BuildCompleted:             {},
	Done:                       {final: true},
	RejectedAlreadyBuilt:       {final: true},
	Rejected:                   {final: true, failed: true},
	RejectedFailedDependencies: {final: true, failed: true},
	SystemError:                {final: true, failed: true},
	DoneWithErrors:             {final: true, failed: true},
	Cancelled:                  {final: true, failed: true},
}

// Valid reports whether s is a known node status.
func (s Node) Valid() bool {
	_, ok := nodeTable[s]
	return ok
}

// IsFinal reports whether no further transition can occur from s.
func (s Node) IsFinal() bool { return nodeTable[s].final }

// HasFailed reports whether dependents must treat s as a failed dependency.
func (s Node) HasFailed() bool { return nodeTable[s].failed }

// CanTransition validates a state machine step. Terminal states are
// absorbing; every non-terminal state may move to any terminal state.
func CanTransition(from, to Node) bool {
	if !from.Valid() || !to.Valid() || from.IsFinal() {
		return false
	}
	if to.IsFinal() {
		return true
	}
	switch from {
	case New:
		return to == Enqueued || to == WaitingForDependencies
	case WaitingForDependencies:
		return to == Enqueued || to == Building
	case Enqueued:
		return to == Building || to == WaitingForDependencies
	case Building:
		return to == BuildCompleted || to == WaitingForDependencies
	default:
		return false
	}
}

// Result is the completion status of a single build phase.
type Result string

const (
	Success           Result = "SUCCESS"
	NoRebuildRequired Result = "NO_REBUILD_REQUIRED"
	Failed            Result = "FAILED"
	ResultCancelled   Result = "CANCELLED"
	TimedOut          Result = "TIMED_OUT"
	ResultSystemError Result = "SYSTEM_ERROR"
)

// Valid reports whether r is a known completion status.
func (r Result) Valid() bool {
	switch r {
	case Success, NoRebuildRequired, Failed, ResultCancelled, TimedOut, ResultSystemError:
		return true
	}
	return false
}

// Normalize folds TIMED_OUT into SYSTEM_ERROR; timeouts are always
// infrastructure failures regardless of the phase reporting them.
func (r Result) Normalize() Result {
	if r == TimedOut {
		return ResultSystemError
	}
	return r
}

// Succeeded reports whether r lets the pipeline continue.
func (r Result) Succeeded() bool {
	return r == Success || r == NoRebuildRequired
}

// Rank orders results by reconciliation precedence; higher wins.
func (r Result) Rank() int {
	switch r.Normalize() {
	case ResultCancelled:
		return 3
	case ResultSystemError:
		return 2
	case Failed:
		return 1
	default:
		return 0
	}
}

// Node maps a reconciled result onto the terminal node status.
func (r Result) Node() Node {
	switch r.Normalize() {
	case Success:
		return Done
	case NoRebuildRequired:
		return RejectedAlreadyBuilt
	case Failed:
		return DoneWithErrors
	case ResultCancelled:
		return Cancelled
	default:
		return SystemError
	}
}
