package define

import (
	"fmt"
	"time"
)

// Transaction is one record of the transaction log. It is never modified
// after it has been appended.
type Transaction struct {
	Id       string
	ServerId string
	Group    string
	State    string
	Cause    string `json:",omitempty"`
	// EventType is the codec type tag of Event, empty when there is no event.
	EventType   string `json:",omitempty"`
	Event       string `json:",omitempty"`
	CreatedTime time.Time
}

func (t *Transaction) String() string {
	return fmt.Sprintf("{id:%s server:%s group:%s state:%s type:%s cause:%q}",
		t.Id, t.ServerId, t.Group, t.State, t.EventType, t.Cause)
}
