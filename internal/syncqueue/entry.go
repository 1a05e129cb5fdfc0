package syncqueue

import (
	"fmt"
	"time"

	"nitrosync/backend"
)

// Entry is one pending outbound mutation. Payloads are not stored: they are
// built from the entity's current state when the entry is sent.
type Entry struct {
	Seq  int64             `json:"seq"`
	Op   backend.Operation `json:"op"`
	ID   backend.LocalID   `json:"id"`
	// ServerID and Parent snapshot the wire identity of a deleted entity,
	// which can no longer be looked up.
	ServerID  backend.ServerID `json:"serverId,omitempty"`
	Parent    backend.ServerID `json:"parent,omitempty"`
	Attempts  int              `json:"attempts"`
	LastError string           `json:"lastError,omitempty"`
	QueuedAt  time.Time        `json:"queuedAt"`
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s %s (seq %d)", e.Op, e.ID, e.Seq)
}

// Result summarises one processing pass.
type Result struct {
	Sent     int
	Failed   int
	Dropped  int
	Deferred int
	Skipped  int
	// Interrupted is set when the pass stopped early because the server
	// was unreachable or refused the credentials.
	Interrupted bool
}

// Add accumulates another pass into r.
func (r *Result) Add(o Result) {
	r.Sent += o.Sent
	r.Failed += o.Failed
	r.Dropped += o.Dropped
	r.Deferred += o.Deferred
	r.Skipped += o.Skipped
	r.Interrupted = r.Interrupted || o.Interrupted
}

func (r Result) String() string {
	return fmt.Sprintf("sent=%d failed=%d dropped=%d deferred=%d skipped=%d",
		r.Sent, r.Failed, r.Dropped, r.Deferred, r.Skipped)
}

// state is the persisted form of a queue.
type state struct {
	Seq     int64    `json:"seq"`
	Entries []*Entry `json:"entries"`
}
