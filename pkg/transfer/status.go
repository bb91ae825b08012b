package transfer

// State tracks a transfer from one endpoint's point of view.
type State int

const (
	// StateAnnounced means a TransferSession was sent or received.
	StateAnnounced State = iota
	// StateCompressing means the sender is still packing the payload.
	StateCompressing
	// StateStreaming means chunks are moving.
	StateStreaming
	// StateVerifying means the receiver is checking size and digest.
	StateVerifying
	// StateInstalling means the payload is being unpacked and written.
	StateInstalling
	// StateCompleted means the transfer finished successfully.
	StateCompleted
	// StateFailed means the transfer was abandoned.
	StateFailed
	// StateSuperseded means a newer announcement replaced this transfer.
	StateSuperseded
)

func (s State) String() string {
	switch s {
	case StateAnnounced:
		return "announced"
	case StateCompressing:
		return "compressing"
	case StateStreaming:
		return "streaming"
	case StateVerifying:
		return "verifying"
	case StateInstalling:
		return "installing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further progress can happen.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateSuperseded
}

// CanTransitionTo checks that a state change follows the transfer flow.
func (s State) CanTransitionTo(next State) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StateFailed || next == StateSuperseded {
		return true
	}
	switch s {
	case StateAnnounced:
		return next == StateCompressing || next == StateStreaming || next == StateVerifying
	case StateCompressing:
		return next == StateAnnounced || next == StateStreaming
	case StateStreaming:
		return next == StateVerifying || next == StateCompleted
	case StateVerifying:
		return next == StateInstalling
	case StateInstalling:
		return next == StateCompleted
	}
	return false
}
