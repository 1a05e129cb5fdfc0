// Package syncqueue pushes local mutations to the server.
//
// A Queue records what must be sent, never when: it emits "request-process"
// whenever it holds work and leaves scheduling to its owner. Payloads are built
// from the entity's state at send time, so an entry coalesces any number of
// local edits. Requests are sent one at a time in FIFO order. The network
// call runs outside the owner's lane; its completion re-enters the lane and
// applies against whatever local state exists by then.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nitrosync/backend"
	"nitrosync/internal/events"
	"nitrosync/internal/remote"
	"nitrosync/internal/utils"
)

// Events emitted by a queue.
const (
	// EventRequestProcess carries the queue identifier.
	EventRequestProcess = "request-process"
	// EventRemap carries the queue identifier, the local id and the newly
	// assigned server id. Handlers run inside the lane.
	EventRemap = "remap"
)

// KeyPrefix namespaces persisted queues in the store.
const KeyPrefix = "queue:"

// Model is the collection a queue reads entities from and writes server ids
// back to.
type Model interface {
	Kind() string
	Lookup(id backend.LocalID) (backend.Entity, bool)
	AssignServerID(id backend.LocalID, serverID backend.ServerID) (bool, error)
}

// Lane serialises state mutation with the rest of the engine.
type Lane interface {
	Run(fn func() error) error
}

// MutexLane is a Lane backed by a mutex.
type MutexLane struct {
	mu sync.Mutex
}

func (l *MutexLane) Run(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// Config describes one queue.
type Config struct {
	// Identifier names the queue in events, logs and the store.
	Identifier string
	// Endpoint is the top-level resource path segment.
	Endpoint string
	// ArrayParam names the nested resource under a parent, and the array
	// the server returns on fetch. Defaults to Endpoint.
	ArrayParam string
	// ParentModel is set for resources nested under another resource.
	ParentModel Model
	Model       Model
	// ServerParams is the whitelist of fields sent to the server.
	ServerParams []string
	Client       remote.Client
	Store        backend.Store
	// Lane defaults to a private MutexLane.
	Lane Lane
	// MaxAttempts drops an entry after that many retryable failures.
	// Zero retries forever.
	MaxAttempts int
}

// Queue is a persisted FIFO of pending mutations for one entity type.
type Queue struct {
	events.Bus

	cfg Config
	key string

	// procMu serialises processing passes.
	procMu sync.Mutex

	mu       sync.Mutex
	entries  []*Entry
	seq      int64
	inflight int64
	saved    []byte
}

// New creates a queue and restores whatever the store holds for it.
func New(cfg Config) (*Queue, error) {
	switch {
	case cfg.Identifier == "":
		return nil, fmt.Errorf("sync queue: identifier is required")
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("sync queue %s: endpoint is required", cfg.Identifier)
	case cfg.Model == nil:
		return nil, fmt.Errorf("sync queue %s: model is required", cfg.Identifier)
	case cfg.Client == nil:
		return nil, fmt.Errorf("sync queue %s: client is required", cfg.Identifier)
	case cfg.Store == nil:
		return nil, fmt.Errorf("sync queue %s: store is required", cfg.Identifier)
	}
	if cfg.ArrayParam == "" {
		cfg.ArrayParam = cfg.Endpoint
	}
	if cfg.Lane == nil {
		cfg.Lane = &MutexLane{}
	}
	q := &Queue{cfg: cfg, key: KeyPrefix + cfg.Identifier}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Identifier returns the queue's name.
func (q *Queue) Identifier() string {
	return q.cfg.Identifier
}

// Enqueue records a mutation of e. Entries for the same entity and
// operation coalesce, an update of a never-synced entity folds into its
// pending create, and deleting a never-synced entity cancels its entries.
func (q *Queue) Enqueue(op backend.Operation, e backend.Entity) error {
	q.mu.Lock()
	err := q.enqueueLocked(op, e)
	pending := len(q.entries)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	if pending > 0 {
		q.Trigger(EventRequestProcess, q.cfg.Identifier)
	}
	return nil
}

// Patch schedules a push of the entity's order.
func (q *Queue) Patch(id backend.LocalID) error {
	e, ok := q.cfg.Model.Lookup(id)
	if !ok {
		return backend.ErrNotFound(q.cfg.Model.Kind(), backend.Local(id))
	}
	return q.Enqueue(backend.OpReorder, e)
}

// Forget drops every waiting entry for id without contacting the server.
func (q *Queue) Forget(id backend.LocalID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dropWaiting(id) {
		return nil
	}
	return q.save()
}

// RequestProcess emits request-process if any work is pending.
func (q *Queue) RequestProcess() {
	if q.Pending() > 0 {
		q.Trigger(EventRequestProcess, q.cfg.Identifier)
	}
}

// Pending returns the number of queued entries.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries in send order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	return out
}

// PendingDeletes returns the server ids of entities whose delete has not
// been acknowledged yet, in flight or waiting.
func (q *Queue) PendingDeletes() []backend.ServerID {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []backend.ServerID
	for _, e := range q.entries {
		if e.Op == backend.OpDelete && e.ServerID.Valid() {
			out = append(out, e.ServerID)
		}
	}
	return out
}

func (q *Queue) enqueueLocked(op backend.Operation, e backend.Entity) error {
	id := e.GetID()
	sid := e.GetServerID()

	switch op {
	case backend.OpCreate:
		if sid.Valid() || q.waiting(id, backend.OpCreate) != nil {
			return nil
		}
		q.push(op, id, "", "")

	case backend.OpUpdate:
		if q.waiting(id, backend.OpCreate) != nil || q.waiting(id, backend.OpUpdate) != nil {
			return nil
		}
		if !sid.Valid() && q.find(id, backend.OpCreate) == nil {
			// The create was dropped; the server has never seen the entity.
			q.push(backend.OpCreate, id, "", "")
		} else {
			q.push(op, id, "", "")
		}

	case backend.OpReorder:
		// An unsynced entity's reorder waits in the queue until its create
		// is acknowledged.
		if q.waiting(id, backend.OpReorder) != nil {
			return nil
		}
		q.push(op, id, "", "")

	case backend.OpDelete:
		q.dropWaiting(id)
		// A never-synced entity needs no request. If its create is in
		// flight the completion issues the delete once the id is known.
		if sid.Valid() {
			q.push(op, id, sid, q.parentServerID(e))
		}

	default:
		return fmt.Errorf("sync queue %s: unsupported operation %q", q.cfg.Identifier, op)
	}
	return q.save()
}

func (q *Queue) push(op backend.Operation, id backend.LocalID, sid, parent backend.ServerID) {
	q.seq++
	q.entries = append(q.entries, &Entry{
		Seq:      q.seq,
		Op:       op,
		ID:       id,
		ServerID: sid,
		Parent:   parent,
		QueuedAt: time.Now().UTC(),
	})
}

// find returns the first entry for id and op, in flight or not.
func (q *Queue) find(id backend.LocalID, op backend.Operation) *Entry {
	for _, e := range q.entries {
		if e.ID == id && e.Op == op {
			return e
		}
	}
	return nil
}

// waiting is find restricted to entries not currently being sent.
func (q *Queue) waiting(id backend.LocalID, op backend.Operation) *Entry {
	for _, e := range q.entries {
		if e.ID == id && e.Op == op && e.Seq != q.inflight {
			return e
		}
	}
	return nil
}

func (q *Queue) dropWaiting(id backend.LocalID) bool {
	n := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, func(e *Entry) bool {
		return e.ID == id && e.Seq != q.inflight
	})
	return len(q.entries) != n
}

func (q *Queue) bySeq(seq int64) *Entry {
	for _, e := range q.entries {
		if e.Seq == seq {
			return e
		}
	}
	return nil
}

func (q *Queue) removeSeq(seq int64) {
	q.entries = slices.DeleteFunc(q.entries, func(e *Entry) bool { return e.Seq == seq })
}

func (q *Queue) parentServerID(e backend.Entity) backend.ServerID {
	if q.cfg.ParentModel == nil {
		return ""
	}
	child, ok := e.(backend.Child)
	if !ok {
		return ""
	}
	parent, ok := q.cfg.ParentModel.Lookup(child.ParentID())
	if !ok {
		return ""
	}
	return parent.GetServerID()
}

// collectionPath is the path new entities are POSTed to.
func (q *Queue) collectionPath(parent backend.ServerID) string {
	if q.cfg.ParentModel == nil {
		return "/" + url.PathEscape(q.cfg.Endpoint)
	}
	return fmt.Sprintf("/%s/%s/%s",
		url.PathEscape(q.cfg.Endpoint), url.PathEscape(string(parent)), url.PathEscape(q.cfg.ArrayParam))
}

func (q *Queue) itemPath(parent, sid backend.ServerID) string {
	return q.collectionPath(parent) + "/" + url.PathEscape(string(sid))
}

// payload restricts the entity's fields to the server whitelist.
func (q *Queue) payload(e backend.Entity) backend.Props {
	body := make(backend.Props, len(q.cfg.ServerParams))
	for _, name := range q.cfg.ServerParams {
		if v, ok := e.Field(name); ok {
			body[name] = v
		}
	}
	return body
}

type verdict int

const (
	verdictSend verdict = iota
	verdictDefer
	verdictSkip
	verdictDrop
)

type request struct {
	seq    int64
	op     backend.Operation
	id     backend.LocalID
	parent backend.ServerID
	path   string
	body   backend.Props
}

// build turns an entry into a request against current local state.
func (q *Queue) build(e *Entry) (*request, verdict, string) {
	req := &request{seq: e.Seq, op: e.Op, id: e.ID}

	if e.Op == backend.OpDelete {
		if q.cfg.ParentModel != nil && !e.Parent.Valid() {
			return nil, verdictDrop, "parent server id unknown"
		}
		req.parent = e.Parent
		req.path = q.itemPath(e.Parent, e.ServerID)
		return req, verdictSend, ""
	}

	ent, ok := q.cfg.Model.Lookup(e.ID)
	if !ok {
		return nil, verdictSkip, "entity no longer exists"
	}
	if q.cfg.ParentModel != nil {
		child, ok := ent.(backend.Child)
		if !ok {
			return nil, verdictDrop, "entity has no parent"
		}
		parent, ok := q.cfg.ParentModel.Lookup(child.ParentID())
		if !ok {
			return nil, verdictDrop, fmt.Sprintf("parent %s no longer exists", child.ParentID())
		}
		if !parent.GetServerID().Valid() {
			return nil, verdictDefer, "parent not synced yet"
		}
		req.parent = parent.GetServerID()
	}

	sid := ent.GetServerID()
	switch e.Op {
	case backend.OpCreate:
		if sid.Valid() {
			return nil, verdictSkip, "already acknowledged"
		}
		req.path = q.collectionPath(req.parent)
		req.body = q.payload(ent)
	case backend.OpUpdate:
		if !sid.Valid() {
			return nil, verdictDefer, "waiting for server id"
		}
		req.path = q.itemPath(req.parent, sid)
		req.body = q.payload(ent)
	case backend.OpReorder:
		if !sid.Valid() {
			return nil, verdictDefer, "waiting for server id"
		}
		order, _ := ent.Field("order")
		req.path = q.itemPath(req.parent, sid)
		req.body = backend.Props{"order": order}
	default:
		return nil, verdictDrop, fmt.Sprintf("unsupported operation %q", e.Op)
	}
	return req, verdictSend, ""
}

func (q *Queue) send(ctx context.Context, req *request) (backend.Props, error) {
	switch req.op {
	case backend.OpCreate:
		return q.cfg.Client.Create(ctx, req.path, req.body)
	case backend.OpDelete:
		return nil, q.cfg.Client.Delete(ctx, req.path)
	default:
		return nil, q.cfg.Client.Update(ctx, req.path, req.body)
	}
}

// Process sends the queued entries in FIFO order. Once a request for an
// entity fails, the entity's later entries wait for the next pass. Entries
// queued by completions during the pass are sent in the same call.
//
// Remote failures are recorded on the entries, not returned; the returned
// error is a local storage failure or the context's error.
func (q *Queue) Process(ctx context.Context) (Result, error) {
	q.procMu.Lock()
	defer q.procMu.Unlock()

	var res Result
	blocked := make(map[backend.LocalID]bool)
	var from int64
	for {
		batch, hi := q.batchAfter(from)
		if len(batch) == 0 {
			return res, nil
		}
		for _, seq := range batch {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			stop, err := q.processOne(ctx, seq, blocked, &res)
			if err != nil {
				return res, err
			}
			if stop {
				res.Interrupted = true
				return res, nil
			}
		}
		from = hi
	}
}

func (q *Queue) batchAfter(from int64) ([]int64, int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var seqs []int64
	for _, e := range q.entries {
		if e.Seq > from {
			seqs = append(seqs, e.Seq)
		}
	}
	return seqs, q.seq
}

// processOne sends a single entry. It reports whether the pass should stop.
func (q *Queue) processOne(ctx context.Context, seq int64, blocked map[backend.LocalID]bool, res *Result) (bool, error) {
	var req *request
	err := q.cfg.Lane.Run(func() error {
		q.mu.Lock()
		defer q.mu.Unlock()
		e := q.bySeq(seq)
		if e == nil {
			return nil
		}
		if blocked[e.ID] {
			res.Skipped++
			return nil
		}
		r, v, reason := q.build(e)
		switch v {
		case verdictSend:
			req = r
			q.inflight = seq
			return nil
		case verdictDefer:
			blocked[e.ID] = true
			res.Deferred++
			utils.Debugf("queue %s: deferring %s: %s", q.cfg.Identifier, e, reason)
			return nil
		case verdictSkip:
			res.Skipped++
			utils.Debugf("queue %s: discarding %s: %s", q.cfg.Identifier, e, reason)
		case verdictDrop:
			res.Dropped++
			q.logger(e).Warnf("dropping entry: %s", reason)
		}
		q.removeSeq(seq)
		return q.save()
	})
	if err != nil || req == nil {
		return false, err
	}

	rec, callErr := q.send(ctx, req)

	var remapped backend.ServerID
	err = q.cfg.Lane.Run(func() error {
		var err error
		remapped, err = q.complete(req, rec, callErr, res)
		if remapped.Valid() {
			q.Trigger(EventRemap, q.cfg.Identifier, req.id, remapped)
		}
		return err
	})
	if callErr != nil {
		blocked[req.id] = true
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return unreachable(callErr), err
	}
	return false, err
}

// complete applies a finished request. It returns the server id it bound
// to a local entity, if any.
func (q *Queue) complete(req *request, rec backend.Props, callErr error, res *Result) (backend.ServerID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight = 0

	e := q.bySeq(req.seq)
	if callErr != nil {
		return "", q.fail(e, req, callErr, res)
	}
	if req.op != backend.OpCreate {
		res.Sent++
		q.removeSeq(req.seq)
		return "", q.save()
	}

	sid, ok := remote.RecordID(rec)
	if !ok {
		return "", q.fail(e, req, fmt.Errorf("create response has no %q field", remote.IDField), res)
	}
	res.Sent++
	q.removeSeq(req.seq)

	if _, exists := q.cfg.Model.Lookup(req.id); !exists {
		// Deleted while the create was in flight.
		q.dropWaiting(req.id)
		q.push(backend.OpDelete, req.id, sid, req.parent)
		utils.Debugf("queue %s: %s %s deleted during create, queueing delete of %s",
			q.cfg.Identifier, q.cfg.Model.Kind(), req.id, sid)
		return "", q.save()
	}

	assigned, err := q.cfg.Model.AssignServerID(req.id, sid)
	if err != nil {
		return "", err
	}
	if err := q.save(); err != nil {
		return "", err
	}
	if !assigned {
		q.logger(&Entry{Seq: req.seq, Op: req.op, ID: req.id}).
			Warnf("server returned id %s but the entity is already bound", sid)
		return "", nil
	}
	return sid, nil
}

func (q *Queue) fail(e *Entry, req *request, callErr error, res *Result) error {
	if e == nil {
		// Forgotten while in flight.
		return nil
	}
	var re *backend.RemoteError
	isRemote := errors.As(callErr, &re)

	switch {
	case req.op == backend.OpDelete && isRemote && re.IsNotFound():
		res.Sent++
		q.removeSeq(e.Seq)
		utils.Debugf("queue %s: %s already gone on the server", q.cfg.Identifier, e)
		return q.save()
	case backend.IsPermanentRemote(callErr):
		res.Dropped++
		q.removeSeq(e.Seq)
		q.logger(e).WithError(callErr).Warn("server rejected entry permanently, dropping")
		return q.save()
	}

	e.Attempts++
	e.LastError = callErr.Error()
	if q.cfg.MaxAttempts > 0 && e.Attempts >= q.cfg.MaxAttempts {
		res.Dropped++
		q.removeSeq(e.Seq)
		q.logger(e).WithError(callErr).Error("giving up after max attempts")
		return q.save()
	}
	res.Failed++
	q.logger(e).WithError(callErr).Debug("request failed, will retry")
	return q.save()
}

func (q *Queue) logger(e *Entry) *logrus.Entry {
	return utils.WithFields(map[string]any{
		"queue":    q.cfg.Identifier,
		"op":       string(e.Op),
		"id":       string(e.ID),
		"attempts": e.Attempts,
	})
}

// unreachable reports failures that will repeat for every request in the
// pass: transport errors and rejected credentials.
func unreachable(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var re *backend.RemoteError
	return errors.As(err, &re) && re.IsUnauthorized()
}

// save persists the queue. On failure the last saved state is restored.
func (q *Queue) save() error {
	data, err := json.Marshal(state{Seq: q.seq, Entries: q.entries})
	if err != nil {
		return fmt.Errorf("encode %s: %w", q.key, err)
	}
	if err := q.cfg.Store.Save(q.key, data); err != nil {
		if rbErr := q.decode(q.saved); rbErr != nil {
			utils.Errorf("queue %s: rollback failed: %v", q.cfg.Identifier, rbErr)
		}
		return &backend.StoreError{Op: "save", Key: q.key, Err: err}
	}
	q.saved = data
	return nil
}

func (q *Queue) load() error {
	data, err := q.cfg.Store.Load(q.key)
	if err != nil {
		return &backend.StoreError{Op: "load", Key: q.key, Err: err}
	}
	if err := q.decode(data); err != nil {
		return fmt.Errorf("decode %s: %w", q.key, err)
	}
	q.saved = data
	if n := len(q.entries); n > 0 {
		utils.Debugf("queue %s: restored %d pending entries", q.cfg.Identifier, n)
	}
	return nil
}

func (q *Queue) decode(data []byte) error {
	var st state
	if len(data) > 0 {
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
	}
	q.entries = st.Entries
	if st.Seq > q.seq {
		q.seq = st.Seq
	}
	return nil
}
