// Package combined is the engine's public surface. It owns the list and task
// collections, their sync queues and the downloader, and keeps the
// cross-entity invariants no single collection can enforce:
//
//   - a list's LocalOrder holds exactly the tasks whose List is that list
//   - a list's Order is its LocalOrder mapped to server ids, unsynced tasks
//     left out
//   - system lists cannot be deleted or modified
//   - deleting a list deletes its tasks
//
// Every state change runs inside a single lane. Network I/O happens outside
// it, and events for listeners are released only after the lane is left, so
// handlers may call straight back in.
package combined

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"nitrosync/backend"
	"nitrosync/internal/auth"
	"nitrosync/internal/collection"
	"nitrosync/internal/events"
	"nitrosync/internal/remote"
	nsync "nitrosync/internal/sync"
	"nitrosync/internal/syncget"
	"nitrosync/internal/syncqueue"
	"nitrosync/internal/utils"
)

// Events emitted by the orchestrator.
const (
	// EventUpdate carries "lists" or "tasks".
	EventUpdate = "update"
	// EventOrder carries the local id of the reordered list.
	EventOrder = "order"
	// EventSynced carries the syncqueue.Result of a processing pass.
	EventSynced = "synced"
	// EventDownloaded carries the syncget.MergeResult of a download.
	EventDownloaded = "downloaded"
)

// Keys carried by EventUpdate.
const (
	KeyLists = syncget.KeyLists
	KeyTasks = syncget.KeyTasks
)

// DefaultShutdownTimeout bounds how long Close waits for background syncs.
const DefaultShutdownTimeout = 10 * time.Second

// Options configures an orchestrator.
type Options struct {
	Store  backend.Store
	Client remote.Client
	// Auth gates network traffic. Nil means always signed in.
	Auth auth.Authenticator
	// TaskServerParams are synced in addition to content and notes.
	TaskServerParams []string
	// MaxAttempts drops a queue entry after that many retryable failures.
	MaxAttempts int
	// AutoSync processes the queues in the background whenever they
	// request it. Without it only ProcessQueue sends anything.
	AutoSync        bool
	ShutdownTimeout time.Duration
}

// ListInfo is a list as returned by GetLists.
type ListInfo struct {
	backend.List
	Count int `json:"count"`
}

// Stats reports pending queue entries.
type Stats struct {
	Lists int `json:"lists"`
	Tasks int `json:"tasks"`
}

// Total returns the number of pending entries across both queues.
func (s Stats) Total() int {
	return s.Lists + s.Tasks
}

type outEvent struct {
	name string
	args []any
}

// Combined is the orchestrator.
type Combined struct {
	events.Bus

	mu     sync.Mutex
	outbox []outEvent

	// syncMu keeps downloads and queue passes from overlapping, so a merge
	// never sees a server id whose create response is still in flight.
	syncMu sync.Mutex

	lists  *collection.Lists
	tasks  *collection.Tasks
	listsQ *syncqueue.Queue
	tasksQ *syncqueue.Queue
	get    *syncget.Downloader
	auth   auth.Authenticator
	coord  *nsync.Coordinator

	autoSync        bool
	shutdownTimeout time.Duration
	bindings        []func()
}

// New loads local state and wires the collections, queues and downloader.
func New(opts Options) (*Combined, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	c := &Combined{
		auth:            opts.Auth,
		autoSync:        opts.AutoSync,
		shutdownTimeout: opts.ShutdownTimeout,
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = DefaultShutdownTimeout
	}

	var err error
	if c.lists, err = collection.NewLists(opts.Store); err != nil {
		return nil, err
	}
	if c.tasks, err = collection.NewTasks(opts.Store); err != nil {
		return nil, err
	}

	c.listsQ, err = syncqueue.New(syncqueue.Config{
		Identifier:   KeyLists,
		Endpoint:     KeyLists,
		ArrayParam:   KeyLists,
		Model:        c.lists,
		ServerParams: []string{"name", "notes"},
		Client:       opts.Client,
		Store:        opts.Store,
		Lane:         c,
		MaxAttempts:  opts.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	taskParams := []string{"content", "notes"}
	for _, p := range opts.TaskServerParams {
		if !slices.Contains(taskParams, p) {
			taskParams = append(taskParams, p)
		}
	}
	c.tasksQ, err = syncqueue.New(syncqueue.Config{
		Identifier:   KeyTasks,
		Endpoint:     KeyLists,
		ArrayParam:   KeyTasks,
		ParentModel:  c.lists,
		Model:        c.tasks,
		ServerParams: taskParams,
		Client:       opts.Client,
		Store:        opts.Store,
		Lane:         c,
		MaxAttempts:  opts.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	c.lists.SetSync(c.listsQ)
	c.tasks.SetSync(c.tasksQ)
	c.get = syncget.New(opts.Client, c.lists, c.tasks)

	c.coord, err = nsync.NewCoordinator(c.pushJob, c.pullJob)
	if err != nil {
		return nil, err
	}

	c.bind(c.lists, collection.EventUpdate, func(...any) { c.emit(EventUpdate, KeyLists) })
	c.bind(c.tasks, collection.EventUpdate, func(...any) { c.emit(EventUpdate, KeyTasks) })
	c.bind(c.listsQ, syncqueue.EventRequestProcess, c.handleRequestProcess)
	c.bind(c.tasksQ, syncqueue.EventRequestProcess, c.handleRequestProcess)
	c.bind(c.tasksQ, syncqueue.EventRemap, c.handleTaskRemap)
	if c.auth != nil {
		c.bind(c.auth, auth.EventToken, func(...any) { c.coord.TriggerPull() })
	}
	return c, nil
}

func (c *Combined) bind(o events.Observable, event string, h events.Handler) {
	b := o.Bind(event, h)
	c.bindings = append(c.bindings, func() { o.Unbind(b) })
}

// Run executes fn inside the lane. Events emitted by fn are delivered after
// the lane is released. The sync queues use it for their completions.
func (c *Combined) Run(fn func() error) error {
	c.mu.Lock()
	err := fn()
	out := c.outbox
	c.outbox = nil
	c.mu.Unlock()

	for _, ev := range out {
		c.Trigger(ev.name, ev.args...)
	}
	return err
}

// emit buffers an event until the lane is released. Repeats of a pending
// update or order event are folded.
func (c *Combined) emit(name string, args ...any) {
	if name == EventUpdate || name == EventOrder {
		for _, ev := range c.outbox {
			if ev.name == name && slices.Equal(ev.args, args) {
				return
			}
		}
	}
	c.outbox = append(c.outbox, outEvent{name: name, args: args})
}

func (c *Combined) signedIn() bool {
	return c.auth == nil || c.auth.IsSignedIn()
}

// handleRequestProcess runs inside the lane; it may only schedule.
func (c *Combined) handleRequestProcess(args ...any) {
	if !c.autoSync || !c.signedIn() {
		return
	}
	utils.Debugf("queue %v requested processing", args)
	c.coord.TriggerPush()
}

// handleTaskRemap re-derives the owning list's order once a task has a
// server id. It runs inside the lane.
func (c *Combined) handleTaskRemap(args ...any) {
	if len(args) < 2 {
		return
	}
	id, ok := args[1].(backend.LocalID)
	if !ok {
		return
	}
	task, ok := c.tasks.Get(id)
	if !ok {
		return
	}
	list, ok := c.lists.Get(task.List)
	if !ok {
		return
	}
	if err := c.updateOrder(list, list.LocalOrder, false); err != nil {
		utils.Errorf("re-derive order of list %s after remap: %v", list.ID, err)
	}
}

func (c *Combined) pushJob(ctx context.Context) error {
	_, err := c.ProcessQueue(ctx)
	if errors.Is(err, auth.ErrSignedOut) {
		return nil
	}
	return err
}

func (c *Combined) pullJob(ctx context.Context) error {
	if _, err := c.DownloadData(ctx); err != nil {
		if errors.Is(err, auth.ErrSignedOut) {
			return nil
		}
		return err
	}
	if c.autoSync && c.Pending().Total() > 0 {
		c.coord.TriggerPush()
	}
	return nil
}

// Tasks

// AddTask creates a task in the list named by props["list"] and puts it
// first in that list's order.
func (c *Combined) AddTask(props backend.Props) (backend.Task, error) {
	var out backend.Task
	err := c.Run(func() error {
		listID, _ := props.String("list")
		list, ok := c.lists.Get(backend.LocalID(listID))
		if !ok {
			return backend.ErrNotFound("list", backend.Local(backend.LocalID(listID)))
		}
		task, err := c.tasks.Add(props, true)
		if err != nil {
			return err
		}
		order := append([]backend.LocalID{task.ID}, list.LocalOrder...)
		// The create request implies the new position; no reorder is sent.
		if err := c.updateOrder(list, order, false); err != nil {
			return err
		}
		out = task.ToObject()
		return nil
	})
	return out, err
}

// GetTask resolves ref. It reports false when no task matches.
func (c *Combined) GetTask(ref backend.Ref) (backend.Task, bool) {
	var out backend.Task
	var ok bool
	c.Run(func() error {
		var task *backend.Task
		if task, ok = c.tasks.Find(ref); ok {
			out = task.ToObject()
		}
		return nil
	})
	return out, ok
}

// GetTasks returns the tasks of a list in display order.
func (c *Combined) GetTasks(listRef backend.Ref) ([]backend.Task, error) {
	var out []backend.Task
	err := c.Run(func() error {
		list, ok := c.lists.Find(listRef)
		if !ok {
			return backend.ErrNotFound("list", listRef)
		}
		out = make([]backend.Task, 0, len(list.LocalOrder))
		for _, id := range list.LocalOrder {
			if task, ok := c.tasks.Get(id); ok {
				out = append(out, task.ToObject())
			}
		}
		return nil
	})
	return out, err
}

// UpdateTask merges props into a task. A "list" prop moves the task to the
// front of that list.
func (c *Combined) UpdateTask(ref backend.Ref, props backend.Props) (backend.Task, error) {
	var out backend.Task
	err := c.Run(func() error {
		task, ok := c.tasks.Find(ref)
		if !ok {
			return backend.ErrNotFound("task", ref)
		}
		from := task.List
		var to *backend.List
		if v, moving := props.String("list"); moving && backend.LocalID(v) != from {
			if to, ok = c.lists.Get(backend.LocalID(v)); !ok {
				return backend.ErrNotFound("list", backend.Local(backend.LocalID(v)))
			}
		} else {
			props = props.Clone()
			delete(props, "list")
		}

		task, err := c.tasks.Update(task.ID, props)
		if err != nil {
			return err
		}
		if to != nil {
			if old, ok := c.lists.Get(from); ok {
				if err := c.updateOrder(old, old.LocalOrder, false); err != nil {
					return err
				}
			}
			order := append([]backend.LocalID{task.ID}, to.LocalOrder...)
			if err := c.updateOrder(to, order, false); err != nil {
				return err
			}
		}
		out = task.ToObject()
		return nil
	})
	return out, err
}

// DeleteTask deletes a task and removes it from its list's order.
func (c *Combined) DeleteTask(ref backend.Ref) error {
	return c.Run(func() error {
		task, ok := c.tasks.Find(ref)
		if !ok {
			return backend.ErrNotFound("task", ref)
		}
		listID := task.List
		if err := c.tasks.Delete(task.ID); err != nil {
			return err
		}
		if list, ok := c.lists.Get(listID); ok {
			return c.updateOrder(list, list.LocalOrder, false)
		}
		return nil
	})
}

// UpdateOrder sets a list's task order and derives the server order from
// it. Ids that are not tasks of the list are ignored and tasks missing from
// order keep their relative place at the end. With sync the new order is
// pushed to the server.
func (c *Combined) UpdateOrder(id backend.LocalID, order []backend.LocalID, sync bool) error {
	return c.Run(func() error {
		list, ok := c.lists.Get(id)
		if !ok {
			return backend.ErrNotFound("list", backend.Local(id))
		}
		return c.updateOrder(list, order, sync)
	})
}

// updateOrder is the only writer of Order and LocalOrder. Callers hold the
// lane.
func (c *Combined) updateOrder(list *backend.List, order []backend.LocalID, sync bool) error {
	localOrder := c.normalizeOrder(list.ID, order)
	serverOrder := c.serverOrder(localOrder)

	// A reorder naming unsynced tasks stays pending until the last of them
	// is acknowledged, then the complete order is pushed.
	dirty := (sync || list.PendingOrder) && !list.IsSystem()
	pending := dirty && len(serverOrder) < len(localOrder)
	push := dirty && (sync || !pending)

	prevLocal, prevServer, prevPending := list.LocalOrder, list.Order, list.PendingOrder
	list.LocalOrder, list.Order, list.PendingOrder = localOrder, serverOrder, pending
	if err := c.lists.SaveLocal(); err != nil {
		// SaveLocal restored the collection from its last save; keep this
		// pointer consistent too.
		list.LocalOrder, list.Order, list.PendingOrder = prevLocal, prevServer, prevPending
		return err
	}
	c.emit(EventOrder, list.ID)
	if push {
		return c.listsQ.Patch(list.ID)
	}
	return nil
}

// normalizeOrder keeps the members of listID named in order, then appends
// the remaining members in their previous order.
func (c *Combined) normalizeOrder(listID backend.LocalID, order []backend.LocalID) []backend.LocalID {
	members := c.tasks.InList(listID)
	isMember := make(map[backend.LocalID]bool, len(members))
	for _, t := range members {
		isMember[t.ID] = true
	}

	out := make([]backend.LocalID, 0, len(members))
	seen := make(map[backend.LocalID]bool, len(members))
	add := func(id backend.LocalID) {
		if isMember[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range order {
		add(id)
	}
	if list, ok := c.lists.Get(listID); ok {
		for _, id := range list.LocalOrder {
			add(id)
		}
	}
	for _, t := range members {
		add(t.ID)
	}
	return out
}

// Lists

// AddList creates a list. Unless sync is false the creation is queued.
func (c *Combined) AddList(props backend.Props, sync bool) (backend.List, error) {
	var out backend.List
	err := c.Run(func() error {
		list, err := c.lists.Add(listProps(props), sync)
		if err != nil {
			return err
		}
		out = list.ToObject()
		return nil
	})
	return out, err
}

// GetList resolves ref. The returned name is HTML-escaped.
func (c *Combined) GetList(ref backend.Ref) (backend.List, bool) {
	var out backend.List
	var ok bool
	c.Run(func() error {
		var list *backend.List
		if list, ok = c.lists.Find(ref); ok {
			out = list.ToObject()
			out.Name = c.lists.Escape(out.Name)
		}
		return nil
	})
	return out, ok
}

// GetLists returns every list with its task count. Names are HTML-escaped.
func (c *Combined) GetLists() []ListInfo {
	var out []ListInfo
	c.Run(func() error {
		for _, list := range c.lists.All() {
			info := ListInfo{List: list.ToObject(), Count: c.tasks.FindListCount(list.ID)}
			info.Name = c.lists.Escape(info.Name)
			out = append(out, info)
		}
		return nil
	})
	return out
}

// UpdateList renames a list or changes its notes.
func (c *Combined) UpdateList(ref backend.Ref, props backend.Props) (backend.List, error) {
	var out backend.List
	err := c.Run(func() error {
		list, ok := c.lists.Find(ref)
		if !ok {
			return backend.ErrNotFound("list", ref)
		}
		if list.IsSystem() {
			return &backend.ProtectedResourceError{ID: list.ID, Action: "modify"}
		}
		list, err := c.lists.Update(list.ID, listProps(props))
		if err != nil {
			return err
		}
		out = list.ToObject()
		return nil
	})
	return out, err
}

// DeleteList deletes a list and every task in it. System lists are
// protected.
func (c *Combined) DeleteList(ref backend.Ref) error {
	return c.Run(func() error {
		if !ref.IsServer() && backend.IsSystemList(ref.Local) {
			return &backend.ProtectedResourceError{ID: ref.Local}
		}
		list, ok := c.lists.Find(ref)
		if !ok {
			return backend.ErrNotFound("list", ref)
		}
		if list.IsSystem() {
			return &backend.ProtectedResourceError{ID: list.ID}
		}
		if err := c.tasks.DeleteAllFromList(list.ID); err != nil {
			return err
		}
		return c.lists.Delete(list.ID)
	})
}

// listProps keeps only the fields a caller may set on a list.
func listProps(props backend.Props) backend.Props {
	out := make(backend.Props, 2)
	for _, k := range []string{"name", "notes"} {
		if v, ok := props[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Sync

// DownloadData pulls the server state and merges it, server wins. Order
// arrays are re-derived for every list afterwards.
func (c *Combined) DownloadData(ctx context.Context) (syncget.MergeResult, error) {
	if !c.signedIn() {
		return syncget.MergeResult{}, auth.ErrSignedOut
	}
	res, err := c.download(ctx)
	if err != nil {
		return res, err
	}
	if res.Changed() {
		utils.Infof("download merged: %s", res)
	} else {
		utils.Debugf("download merged: %s", res)
	}
	c.Trigger(EventDownloaded, res)
	return res, nil
}

func (c *Combined) download(ctx context.Context) (syncget.MergeResult, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	snap, err := c.get.DownloadLists(ctx)
	if err != nil {
		return syncget.MergeResult{}, err
	}
	var res syncget.MergeResult
	err = c.Run(func() error {
		// Deletes not yet acknowledged are terminal locally.
		snap = snap.Without(c.listsQ.PendingDeletes(), c.tasksQ.PendingDeletes())
		var err error
		if res, err = c.get.UpdateLocal(snap); err != nil {
			return err
		}
		return c.reconcileOrders(res.Orders)
	})
	return res, err
}

// reconcileOrders rebuilds LocalOrder for every list. Lists the server
// ordered follow that order, with unsynced tasks kept in front.
func (c *Combined) reconcileOrders(serverOrders map[backend.LocalID][]backend.ServerID) error {
	for _, list := range c.lists.All() {
		order := list.LocalOrder
		if server, ok := serverOrders[list.ID]; ok {
			order = make([]backend.LocalID, 0, len(list.LocalOrder))
			for _, id := range list.LocalOrder {
				if task, ok := c.tasks.Get(id); ok && !task.ServerID.Valid() {
					order = append(order, id)
				}
			}
			for _, sid := range server {
				if task, ok := c.tasks.Find(backend.Server(sid)); ok {
					order = append(order, task.ID)
				}
			}
		}
		next := c.normalizeOrder(list.ID, order)
		if slices.Equal(next, list.LocalOrder) && slices.Equal(c.serverOrder(next), list.Order) {
			continue
		}
		if err := c.updateOrder(list, next, false); err != nil {
			return err
		}
	}
	return nil
}

// serverOrder maps local task ids to server ids, dropping unsynced tasks.
func (c *Combined) serverOrder(local []backend.LocalID) []backend.ServerID {
	out := make([]backend.ServerID, 0, len(local))
	for _, id := range local {
		if task, ok := c.tasks.Get(id); ok && task.ServerID.Valid() {
			out = append(out, task.ServerID)
		}
	}
	return out
}

// ProcessQueue sends pending list mutations, then task mutations. Remote
// failures stay queued and are reported in the result, not as an error.
func (c *Combined) ProcessQueue(ctx context.Context) (syncqueue.Result, error) {
	if !c.signedIn() {
		return syncqueue.Result{}, auth.ErrSignedOut
	}
	res, err := c.process(ctx)
	if err != nil {
		return res, err
	}
	utils.Debugf("queue pass: %s", res)
	c.Trigger(EventSynced, res)
	return res, nil
}

// process runs the lists queue, then the tasks queue. Task creates can
// complete a pending reorder, so the lists queue gets a second pass when
// the tasks pass added work to it.
func (c *Combined) process(ctx context.Context) (syncqueue.Result, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	var res syncqueue.Result
	var listsLeft int
	for i, q := range []*syncqueue.Queue{c.listsQ, c.tasksQ, c.listsQ} {
		switch i {
		case 1:
			listsLeft = c.listsQ.Pending()
		case 2:
			if c.listsQ.Pending() <= listsLeft {
				return res, nil
			}
		}
		r, err := q.Process(ctx)
		res.Add(r)
		if err != nil {
			return res, fmt.Errorf("process %s queue: %w", q.Identifier(), err)
		}
		if r.Interrupted {
			break
		}
	}
	return res, nil
}

// RequestSync schedules background processing of whatever is pending.
func (c *Combined) RequestSync() {
	if c.signedIn() {
		c.coord.TriggerPush()
	}
}

// RequestDownload schedules a background download.
func (c *Combined) RequestDownload() {
	if c.signedIn() {
		c.coord.TriggerPull()
	}
}

// Wait blocks until background syncs are idle or timeout expires.
func (c *Combined) Wait(timeout time.Duration) bool {
	return c.coord.Wait(timeout)
}

// Pending reports queued entries per queue.
func (c *Combined) Pending() Stats {
	return Stats{Lists: c.listsQ.Pending(), Tasks: c.tasksQ.Pending()}
}

// PendingEntries returns the queued entries of both queues, lists first.
func (c *Combined) PendingEntries() map[string][]syncqueue.Entry {
	return map[string][]syncqueue.Entry{
		KeyLists: c.listsQ.Entries(),
		KeyTasks: c.tasksQ.Entries(),
	}
}

// Close stops background syncs and detaches from the authenticator. The
// store is left open.
func (c *Combined) Close() error {
	c.coord.Shutdown(c.shutdownTimeout)
	for _, unbind := range c.bindings {
		unbind()
	}
	c.bindings = nil
	return nil
}
