// Package collection holds the in-memory, locally persisted entity stores.
package collection

import (
	"encoding/json"
	"fmt"
	"html"
	"slices"

	"github.com/google/uuid"

	"nitrosync/backend"
	"nitrosync/internal/events"
	"nitrosync/internal/utils"
)

// Event names emitted by collections.
const (
	EventUpdate = "update"
)

// Syncer receives the mutations a collection wants pushed to the server.
type Syncer interface {
	Enqueue(op backend.Operation, entity backend.Entity) error
	// Forget drops every pending entry for id without contacting the server.
	Forget(id backend.LocalID) error
}

// Config describes one collection.
type Config[E backend.Entity] struct {
	// Kind is used in error messages ("list", "task").
	Kind  string
	// Key is the namespace the collection is saved under.
	Key   string
	Store backend.Store
	New   func(id backend.LocalID, props backend.Props) E
}

// Collection is a locally persisted set of entities keyed by local id.
// It is not safe for concurrent use; the orchestrator serialises access.
type Collection[E backend.Entity] struct {
	events.Bus

	kind     string
	key      string
	store    backend.Store
	newFn    func(id backend.LocalID, props backend.Props) E
	items    map[backend.LocalID]E
	byServer map[backend.ServerID]backend.LocalID
	ids      []backend.LocalID
	sync     Syncer
	saved    []byte
	newID    func() backend.LocalID
}

// New creates a collection and loads whatever the store holds for it.
func New[E backend.Entity](cfg Config[E]) (*Collection[E], error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("collection %q: store is required", cfg.Key)
	}
	c := &Collection[E]{
		kind:     cfg.Kind,
		key:      cfg.Key,
		store:    cfg.Store,
		newFn:    cfg.New,
		items:    make(map[backend.LocalID]E),
		byServer: make(map[backend.ServerID]backend.LocalID),
		newID:    func() backend.LocalID { return backend.LocalID(uuid.NewString()) },
	}
	if err := c.LoadLocal(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetSync binds the outbound queue. Only the first call has an effect.
func (c *Collection[E]) SetSync(s Syncer) {
	if c.sync != nil {
		utils.Warnf("collection %s: sync queue already bound, ignoring", c.key)
		return
	}
	c.sync = s
}

// Sync returns the bound queue, or nil.
func (c *Collection[E]) Sync() Syncer {
	return c.sync
}

// Kind returns the entity kind used in errors.
func (c *Collection[E]) Kind() string {
	return c.kind
}

// Add creates an entity with a fresh local id. Unless sync is false the
// creation is enqueued on the bound queue.
func (c *Collection[E]) Add(props backend.Props, sync bool) (E, error) {
	e := c.newFn(c.freshID(), props)
	if err := c.insert(e); err != nil {
		var zero E
		return zero, err
	}
	c.Trigger(EventUpdate, backend.OpCreate, e.GetID())
	if sync {
		if err := c.enqueue(backend.OpCreate, e); err != nil {
			var zero E
			return zero, err
		}
	}
	return e, nil
}

// AddRemote creates a local entity already bound to a server id. Nothing is
// enqueued: the server produced the record.
func (c *Collection[E]) AddRemote(serverID backend.ServerID, props backend.Props) (E, error) {
	var zero E
	if _, ok := c.byServer[serverID]; ok {
		return zero, fmt.Errorf("%s with server id %s already exists", c.kind, serverID)
	}
	e := c.newFn(c.freshID(), props)
	e.SetServerID(serverID)
	if err := c.insert(e); err != nil {
		return zero, err
	}
	c.Trigger(EventUpdate, backend.OpCreate, e.GetID())
	return e, nil
}

func (c *Collection[E]) insert(e E) error {
	id := e.GetID()
	c.items[id] = e
	c.ids = append(c.ids, id)
	if sid := e.GetServerID(); sid.Valid() {
		c.byServer[sid] = id
	}
	return c.SaveLocal()
}

// Find resolves ref in the identifier space it names.
func (c *Collection[E]) Find(ref backend.Ref) (E, bool) {
	id := ref.Local
	if ref.IsServer() {
		var ok bool
		if id, ok = c.byServer[ref.Server]; !ok {
			var zero E
			return zero, false
		}
	}
	e, ok := c.items[id]
	return e, ok
}

// Get is shorthand for a local-id lookup.
func (c *Collection[E]) Get(id backend.LocalID) (E, bool) {
	return c.Find(backend.Local(id))
}

// Lookup is Get returning the Entity interface.
func (c *Collection[E]) Lookup(id backend.LocalID) (backend.Entity, bool) {
	e, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return e, true
}

// Update merges props into the entity and enqueues an update.
func (c *Collection[E]) Update(id backend.LocalID, props backend.Props) (E, error) {
	return c.update(id, props, true)
}

// Merge applies server-provided props without enqueueing anything.
func (c *Collection[E]) Merge(id backend.LocalID, props backend.Props) (E, error) {
	return c.update(id, props, false)
}

func (c *Collection[E]) update(id backend.LocalID, props backend.Props, sync bool) (E, error) {
	e, ok := c.items[id]
	if !ok {
		var zero E
		return zero, backend.ErrNotFound(c.kind, backend.Local(id))
	}
	e.Apply(props)
	if err := c.SaveLocal(); err != nil {
		var zero E
		return zero, err
	}
	c.Trigger(EventUpdate, backend.OpUpdate, id)
	if sync {
		if err := c.enqueue(backend.OpUpdate, e); err != nil {
			var zero E
			return zero, err
		}
	}
	return e, nil
}

// Delete removes the entity and enqueues its deletion.
func (c *Collection[E]) Delete(id backend.LocalID) error {
	e, ok := c.items[id]
	if !ok {
		return backend.ErrNotFound(c.kind, backend.Local(id))
	}
	c.remove(id)
	if err := c.SaveLocal(); err != nil {
		return err
	}
	c.Trigger(EventUpdate, backend.OpDelete, id)
	return c.enqueue(backend.OpDelete, e)
}

// Remove deletes entities locally and drops their pending queue entries
// without sending a delete, for children whose parent deletion cascades
// server-side.
func (c *Collection[E]) Remove(ids ...backend.LocalID) error {
	removed := make([]backend.LocalID, 0, len(ids))
	for _, id := range ids {
		if _, ok := c.items[id]; ok {
			c.remove(id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := c.SaveLocal(); err != nil {
		return err
	}
	for _, id := range removed {
		c.Trigger(EventUpdate, backend.OpDelete, id)
		if c.sync != nil {
			if err := c.sync.Forget(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collection[E]) remove(id backend.LocalID) {
	e := c.items[id]
	delete(c.items, id)
	if sid := e.GetServerID(); sid.Valid() {
		delete(c.byServer, sid)
	}
	if i := slices.Index(c.ids, id); i >= 0 {
		c.ids = slices.Delete(c.ids, i, i+1)
	}
}

// AssignServerID binds a server id to a local entity. Server ids are
// permanent: it returns false when the entity already has a different one,
// or when another entity already claims serverID.
func (c *Collection[E]) AssignServerID(id backend.LocalID, serverID backend.ServerID) (bool, error) {
	e, ok := c.items[id]
	if !ok {
		return false, backend.ErrNotFound(c.kind, backend.Local(id))
	}
	if !serverID.Valid() {
		return false, fmt.Errorf("empty server id for %s %s", c.kind, id)
	}
	if current := e.GetServerID(); current.Valid() {
		return current == serverID, nil
	}
	if owner, taken := c.byServer[serverID]; taken && owner != id {
		utils.Warnf("%s server id %s already bound to %s, refusing to bind %s", c.kind, serverID, owner, id)
		return false, nil
	}
	e.SetServerID(serverID)
	c.byServer[serverID] = id
	if err := c.SaveLocal(); err != nil {
		return false, err
	}
	c.Trigger(EventUpdate, backend.OpRemap, id)
	return true, nil
}

// All returns the entities in creation order.
func (c *Collection[E]) All() []E {
	out := make([]E, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.items[id])
	}
	return out
}

// Len returns the number of entities.
func (c *Collection[E]) Len() int {
	return len(c.ids)
}

// Escape sanitises a display field for HTML output.
func (c *Collection[E]) Escape(s string) string {
	return html.EscapeString(s)
}

// SaveLocal flushes the collection to the store. On failure the in-memory
// state is rolled back to the last successful save and the error returned.
func (c *Collection[E]) SaveLocal() error {
	data, err := json.Marshal(c.All())
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.key, err)
	}
	if err := c.store.Save(c.key, data); err != nil {
		if rbErr := c.decode(c.saved); rbErr != nil {
			utils.Errorf("collection %s: rollback failed: %v", c.key, rbErr)
		}
		return &backend.StoreError{Op: "save", Key: c.key, Err: err}
	}
	c.saved = data
	return nil
}

// LoadLocal replaces the in-memory state with what the store holds.
func (c *Collection[E]) LoadLocal() error {
	data, err := c.store.Load(c.key)
	if err != nil {
		return &backend.StoreError{Op: "load", Key: c.key, Err: err}
	}
	if err := c.decode(data); err != nil {
		return fmt.Errorf("decode %s: %w", c.key, err)
	}
	c.saved = data
	return nil
}

func (c *Collection[E]) decode(data []byte) error {
	var entities []E
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entities); err != nil {
			return err
		}
	}
	c.items = make(map[backend.LocalID]E, len(entities))
	c.byServer = make(map[backend.ServerID]backend.LocalID, len(entities))
	c.ids = c.ids[:0]
	for _, e := range entities {
		id := e.GetID()
		c.items[id] = e
		c.ids = append(c.ids, id)
		if sid := e.GetServerID(); sid.Valid() {
			c.byServer[sid] = id
		}
	}
	return nil
}

func (c *Collection[E]) freshID() backend.LocalID {
	for {
		id := c.newID()
		if _, taken := c.items[id]; !taken && !backend.IsSystemList(id) {
			return id
		}
	}
}

// enqueue hands the mutation to the bound queue. Operations performed
// before a queue is bound stay local.
func (c *Collection[E]) enqueue(op backend.Operation, e E) error {
	if c.sync == nil {
		return nil
	}
	if err := c.sync.Enqueue(op, e); err != nil {
		return fmt.Errorf("%s %s: enqueue %s: %w", c.kind, e.GetID(), op, err)
	}
	return nil
}
