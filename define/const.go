package define

const (
	TxnStateStart    = "start"
	TxnStateJoin     = "join"
	TxnStateCommit   = "commit"
	TxnStateRollback = "rollback"

	// DefaultStreamKey names the stream all transaction records are appended to.
	DefaultStreamKey = "SAGASTREAM"

	MetricsNamespace = "dtx"

	// HeaderNodeGroup carries the node group of a remote participant.
	HeaderNodeGroup = "Dtx-Node-Group"
)

// ValidState reports whether state is one of the four transaction states.
func ValidState(state string) bool {
	switch state {
	case TxnStateStart, TxnStateJoin, TxnStateCommit, TxnStateRollback:
		return true
	}
	return false
}

// TerminalState reports whether no further records may follow state.
func TerminalState(state string) bool {
	return state == TxnStateCommit || state == TxnStateRollback
}
