package define

// Requests and responses of the coordinator HTTP and gRPC APIs.

type StartRequest struct {
	Undo      string
	EventType string
	Event     string
}

type StartResponse struct {
	TxnId string
}

type JoinRequest struct {
	TxnId     string
	Undo      string
	EventType string
	Event     string
}

type CommitRequest struct {
	TxnId     string
	EventType string
	Event     string
}

type RollbackRequest struct {
	TxnId     string
	Cause     string
	EventType string
	Event     string
}

type TxnRequest struct {
	TxnId string
}

type TxnResponse struct {
	TxnId string
	State string
	Msg   string `json:",omitempty"`
}

type OrchestrateResponse struct {
	TxnId  string
	Result string `json:",omitempty"`
	Msg    string `json:",omitempty"`
}
