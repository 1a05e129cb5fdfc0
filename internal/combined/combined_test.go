package combined

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"nitrosync/backend"
	"nitrosync/internal/auth"
	"nitrosync/internal/events"
)

// fakeRemote hands out scripted server ids and records every call.
type fakeRemote struct {
	mu    sync.Mutex
	ids   []string
	next  int
	calls []string
	data  map[string][]backend.Props
	down  bool
	// patches holds the body of every update, in call order.
	patches []backend.Props
}

func (f *fakeRemote) Create(_ context.Context, path string, body backend.Props) (backend.Props, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, backend.NewRemoteError("create", path, http.StatusServiceUnavailable, "down")
	}
	f.calls = append(f.calls, "POST "+path)
	var id string
	if f.next < len(f.ids) {
		id = f.ids[f.next]
	} else {
		id = fmt.Sprintf("gen-%d", f.next)
	}
	f.next++
	rec := body.Clone()
	rec["id"] = id
	return rec, nil
}

func (f *fakeRemote) Update(_ context.Context, path string, body backend.Props) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "PATCH "+path)
	f.patches = append(f.patches, body.Clone())
	return nil
}

func (f *fakeRemote) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "DELETE "+path)
	return nil
}

func (f *fakeRemote) Fetch(_ context.Context, path, _ string) ([]backend.Props, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "GET "+path)
	recs, ok := f.data[path]
	if !ok {
		return []backend.Props{}, nil
	}
	out := make([]backend.Props, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

type fakeAuth struct {
	events.Bus
	signedIn bool
}

func (a *fakeAuth) IsSignedIn() bool                        { return a.signedIn }
func (a *fakeAuth) HTTPClient(context.Context) *http.Client { return http.DefaultClient }

func newCombined(t *testing.T, remote *fakeRemote) *Combined {
	t.Helper()
	c, err := New(Options{Store: backend.NewMemoryStore(), Client: remote})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func mustAddList(t *testing.T, c *Combined, name string) backend.List {
	t.Helper()
	list, err := c.AddList(backend.Props{"name": name}, true)
	if err != nil {
		t.Fatalf("AddList(%q) error = %v", name, err)
	}
	return list
}

func mustAddTask(t *testing.T, c *Combined, list backend.LocalID, content string) backend.Task {
	t.Helper()
	task, err := c.AddTask(backend.Props{"content": content, "list": string(list)})
	if err != nil {
		t.Fatalf("AddTask(%q) error = %v", content, err)
	}
	return task
}

// checkOrders verifies every list's orders against task membership.
func checkOrders(t *testing.T, c *Combined) {
	t.Helper()
	c.Run(func() error {
		for _, list := range c.lists.All() {
			var members []backend.LocalID
			for _, task := range c.tasks.InList(list.ID) {
				members = append(members, task.ID)
			}
			got := slices.Clone(list.LocalOrder)
			slices.Sort(got)
			slices.Sort(members)
			if !slices.Equal(got, members) {
				t.Errorf("list %s: localOrder %v, members %v", list.ID, list.LocalOrder, members)
			}
			if want := c.serverOrder(list.LocalOrder); !slices.Equal(list.Order, want) {
				t.Errorf("list %s: order %v, want %v", list.ID, list.Order, want)
			}
		}
		return nil
	})
}

func TestGroceriesScenario(t *testing.T) {
	remote := &fakeRemote{ids: []string{"srv-1", "srv-task-1"}}
	c := newCombined(t, remote)

	list := mustAddList(t, c, "Groceries")
	if list.ID == "" || list.ServerID.Valid() {
		t.Fatalf("AddList() = %+v, want local id and no server id", list)
	}

	task := mustAddTask(t, c, list.ID, "Milk")
	got, _ := c.GetList(backend.Local(list.ID))
	if len(got.LocalOrder) == 0 || got.LocalOrder[0] != task.ID {
		t.Fatalf("localOrder = %v, want %s first", got.LocalOrder, task.ID)
	}
	if len(got.Order) != 0 {
		t.Errorf("order = %v, want empty before sync", got.Order)
	}

	res, err := c.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if res.Sent != 2 {
		t.Errorf("result = %v", res)
	}
	synced, _ := c.GetTask(backend.Local(task.ID))
	if synced.ServerID != "srv-task-1" {
		t.Fatalf("task server id = %q", synced.ServerID)
	}

	got, _ = c.GetList(backend.Local(list.ID))
	if err := c.UpdateOrder(list.ID, got.LocalOrder, true); err != nil {
		t.Fatal(err)
	}
	got, _ = c.GetList(backend.Server("srv-1"))
	if !slices.Equal(got.Order, []backend.ServerID{"srv-task-1"}) {
		t.Errorf("order = %v, want [srv-task-1]", got.Order)
	}

	if err := c.DeleteTask(backend.Local(task.ID)); err != nil {
		t.Fatal(err)
	}
	got, _ = c.GetList(backend.Local(list.ID))
	if len(got.LocalOrder) != 0 || len(got.Order) != 0 {
		t.Errorf("after delete: localOrder %v order %v", got.LocalOrder, got.Order)
	}
	if got.Order == nil || got.LocalOrder == nil {
		t.Error("empty orders should be [] not nil")
	}
}

func TestTaskRemapRederivesOrder(t *testing.T) {
	remote := &fakeRemote{ids: []string{"L", "T1", "T2"}}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "Work")
	first := mustAddTask(t, c, list.ID, "first")
	second := mustAddTask(t, c, list.ID, "second")

	var orderEvents int
	c.Bind(EventOrder, func(...any) { orderEvents++ })
	if _, err := c.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := c.GetList(backend.Local(list.ID))
	if !slices.Equal(got.LocalOrder, []backend.LocalID{second.ID, first.ID}) {
		t.Errorf("localOrder = %v", got.LocalOrder)
	}
	if !slices.Equal(got.Order, []backend.ServerID{"T2", "T1"}) {
		t.Errorf("order = %v, want [T2 T1]", got.Order)
	}
	if orderEvents == 0 {
		t.Error("no order event after remap")
	}
	for _, call := range remote.Calls() {
		if call == "PATCH /lists/L" {
			t.Error("remap pushed a reorder")
		}
	}
	checkOrders(t, c)
}

func TestDownloadScenario(t *testing.T) {
	remote := &fakeRemote{data: map[string][]backend.Props{
		"/lists":             {{"id": "srv-2", "name": "Shared", "order": []any{"st-1"}}},
		"/lists/srv-2/tasks": {{"id": "st-1", "content": "Read"}},
	}}
	c := newCombined(t, remote)
	before := len(c.GetLists())

	if _, err := c.DownloadData(context.Background()); err != nil {
		t.Fatalf("DownloadData() error = %v", err)
	}
	lists := c.GetLists()
	if len(lists) != before+1 {
		t.Fatalf("lists = %d, want %d", len(lists), before+1)
	}
	shared, ok := c.GetList(backend.Server("srv-2"))
	if !ok {
		t.Fatal("srv-2 not merged")
	}
	if len(shared.LocalOrder) != 1 || !slices.Equal(shared.Order, []backend.ServerID{"st-1"}) {
		t.Errorf("orders = %v / %v", shared.LocalOrder, shared.Order)
	}

	res, err := c.DownloadData(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed() || len(c.GetLists()) != before+1 {
		t.Errorf("replay changed state: %v", res)
	}
	again, _ := c.GetList(backend.Server("srv-2"))
	if !slices.Equal(again.LocalOrder, shared.LocalOrder) || !slices.Equal(again.Order, shared.Order) {
		t.Error("replay changed orders")
	}
	if c.Pending().Total() != 0 {
		t.Errorf("download queued work: %+v", c.Pending())
	}
}

func TestDownloadKeepsUnsyncedTasksFirst(t *testing.T) {
	remote := &fakeRemote{data: map[string][]backend.Props{
		"/lists":             {{"id": "srv-2", "name": "Shared", "order": []any{"b", "a"}}},
		"/lists/srv-2/tasks": {{"id": "a", "content": "A"}, {"id": "b", "content": "B"}},
	}}
	c := newCombined(t, remote)
	if _, err := c.DownloadData(context.Background()); err != nil {
		t.Fatal(err)
	}
	list, _ := c.GetList(backend.Server("srv-2"))
	local := mustAddTask(t, c, list.ID, "offline")

	if _, err := c.DownloadData(context.Background()); err != nil {
		t.Fatal(err)
	}
	tasks, err := c.GetTasks(backend.Local(list.ID))
	if err != nil {
		t.Fatal(err)
	}
	var contents []string
	for _, task := range tasks {
		contents = append(contents, task.Content)
	}
	if !slices.Equal(contents, []string{"offline", "B", "A"}) {
		t.Errorf("tasks = %v", contents)
	}
	if tasks[0].ID != local.ID {
		t.Error("local task lost its id")
	}
	checkOrders(t, c)
}

func TestUpdateOrderIdempotent(t *testing.T) {
	remote := &fakeRemote{}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "L")
	a := mustAddTask(t, c, list.ID, "a")
	b := mustAddTask(t, c, list.ID, "b")
	c.ProcessQueue(context.Background())

	order := []backend.LocalID{a.ID, b.ID}
	if err := c.UpdateOrder(list.ID, order, false); err != nil {
		t.Fatal(err)
	}
	first, _ := c.GetList(backend.Local(list.ID))
	if err := c.UpdateOrder(list.ID, order, false); err != nil {
		t.Fatal(err)
	}
	second, _ := c.GetList(backend.Local(list.ID))

	if !slices.Equal(first.LocalOrder, second.LocalOrder) || !slices.Equal(first.Order, second.Order) {
		t.Errorf("not idempotent: %v/%v then %v/%v", first.LocalOrder, first.Order, second.LocalOrder, second.Order)
	}
	if !slices.Equal(first.LocalOrder, order) {
		t.Errorf("localOrder = %v, want %v", first.LocalOrder, order)
	}
}

func TestUpdateOrderNormalizes(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	list := mustAddList(t, c, "L")
	other := mustAddList(t, c, "Other")
	a := mustAddTask(t, c, list.ID, "a")
	b := mustAddTask(t, c, list.ID, "b")
	stranger := mustAddTask(t, c, other.ID, "x")

	err := c.UpdateOrder(list.ID, []backend.LocalID{a.ID, "missing", stranger.ID, a.ID}, false)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := c.GetList(backend.Local(list.ID))
	if !slices.Equal(got.LocalOrder, []backend.LocalID{a.ID, b.ID}) {
		t.Errorf("localOrder = %v", got.LocalOrder)
	}

	if err := c.UpdateOrder("nope", nil, true); !backend.IsNotFound(err) {
		t.Errorf("UpdateOrder(unknown) error = %v, want NotFound", err)
	}
}

func TestUpdateOrderSyncPatchesSyncedList(t *testing.T) {
	remote := &fakeRemote{ids: []string{"L", "T1", "T2"}}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "L")
	a := mustAddTask(t, c, list.ID, "a")
	b := mustAddTask(t, c, list.ID, "b")
	c.ProcessQueue(context.Background())

	if err := c.UpdateOrder(list.ID, []backend.LocalID{a.ID, b.ID}, true); err != nil {
		t.Fatal(err)
	}
	if c.Pending().Lists != 1 {
		t.Fatalf("pending = %+v, want one list entry", c.Pending())
	}
	c.ProcessQueue(context.Background())
	if calls := remote.Calls(); calls[len(calls)-1] != "PATCH /lists/L" {
		t.Errorf("last call = %q", calls[len(calls)-1])
	}
}

func TestReorderOfNewListReachesServer(t *testing.T) {
	remote := &fakeRemote{ids: []string{"L", "T1", "T2"}}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "L")
	a := mustAddTask(t, c, list.ID, "a")
	b := mustAddTask(t, c, list.ID, "b")

	if err := c.UpdateOrder(list.ID, []backend.LocalID{a.ID, b.ID}, true); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.GetList(backend.Local(list.ID)); !got.PendingOrder {
		t.Error("reorder naming unsynced tasks not marked pending")
	}
	if _, err := c.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}

	calls := remote.Calls()
	if calls[len(calls)-1] != "PATCH /lists/L" {
		t.Fatalf("calls = %v, want the reorder last", calls)
	}
	last := remote.patches[len(remote.patches)-1]
	if order, _ := last["order"].([]backend.ServerID); !slices.Equal(order, []backend.ServerID{"T1", "T2"}) {
		t.Errorf("pushed order = %v, want [T1 T2]", last["order"])
	}
	got, _ := c.GetList(backend.Local(list.ID))
	if got.PendingOrder || c.Pending().Total() != 0 {
		t.Errorf("pending order = %v, queue %+v", got.PendingOrder, c.Pending())
	}
}

func TestReorderOfSystemListStaysLocal(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	a := mustAddTask(t, c, backend.ListInbox, "a")
	b := mustAddTask(t, c, backend.ListInbox, "b")
	before := c.Pending()

	if err := c.UpdateOrder(backend.ListInbox, []backend.LocalID{a.ID, b.ID}, true); err != nil {
		t.Fatal(err)
	}
	if c.Pending() != before {
		t.Errorf("pending = %+v, want %+v", c.Pending(), before)
	}
}

// gatedRemote commits a create server-side straight away but holds the
// response until release is closed.
type gatedRemote struct {
	fakeRemote
	committed chan struct{}
	release   chan struct{}
}

func (g *gatedRemote) Create(ctx context.Context, path string, body backend.Props) (backend.Props, error) {
	g.mu.Lock()
	g.data = map[string][]backend.Props{
		"/lists":             {{"id": "srv-1", "name": body["name"]}},
		"/lists/srv-1/tasks": {},
	}
	g.mu.Unlock()
	close(g.committed)
	<-g.release
	return g.fakeRemote.Create(ctx, path, body)
}

func TestDownloadWaitsForInflightCreate(t *testing.T) {
	remote := &gatedRemote{
		fakeRemote: fakeRemote{ids: []string{"srv-1"}},
		committed:  make(chan struct{}),
		release:    make(chan struct{}),
	}
	c, err := New(Options{Store: backend.NewMemoryStore(), Client: remote})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	ctx := context.Background()
	list := mustAddList(t, c, "Groceries")

	pushed := make(chan error, 1)
	go func() {
		_, err := c.ProcessQueue(ctx)
		pushed <- err
	}()
	<-remote.committed

	downloaded := make(chan error, 1)
	go func() {
		_, err := c.DownloadData(ctx)
		downloaded <- err
	}()
	select {
	case err := <-downloaded:
		t.Fatalf("download finished while a create was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(remote.release)
	if err := <-pushed; err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if err := <-downloaded; err != nil {
		t.Fatalf("DownloadData() error = %v", err)
	}

	got, _ := c.GetList(backend.Local(list.ID))
	if got.ServerID != "srv-1" {
		t.Errorf("server id = %q, want srv-1", got.ServerID)
	}
	n := 0
	for _, l := range c.GetLists() {
		if l.Name == "Groceries" {
			n++
		}
	}
	if n != 1 || c.Pending().Total() != 0 {
		t.Errorf("lists named Groceries = %d, pending %+v", n, c.Pending())
	}
}

func TestDownloadDoesNotResurrectPendingDeletes(t *testing.T) {
	remote := &fakeRemote{ids: []string{"L1", "L2", "T1", "T2"}}
	c := newCombined(t, remote)
	doomed := mustAddList(t, c, "Doomed")
	keep := mustAddList(t, c, "Keep")
	mustAddTask(t, c, doomed.ID, "a")
	b := mustAddTask(t, c, keep.ID, "b")
	mustAddTask(t, c, keep.ID, "c")
	if _, err := c.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	synced, _ := c.GetTask(backend.Local(b.ID))

	if err := c.DeleteList(backend.Local(doomed.ID)); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteTask(backend.Local(b.ID)); err != nil {
		t.Fatal(err)
	}
	remote.data = map[string][]backend.Props{
		"/lists": {
			{"id": "L1", "name": "Doomed", "order": []any{"T1"}},
			{"id": "L2", "name": "Keep", "order": []any{"T2", "gen-4"}},
		},
		"/lists/L1/tasks": {{"id": "T1", "content": "a"}},
		"/lists/L2/tasks": {{"id": "T2", "content": "b"}, {"id": "gen-4", "content": "c"}},
	}
	if _, err := c.DownloadData(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.GetList(backend.Server("L1")); ok {
		t.Error("deleted list came back")
	}
	if _, ok := c.GetTask(backend.Server(synced.ServerID)); ok {
		t.Error("deleted task came back")
	}
	if got := contents(t, c, backend.Local(keep.ID)); !slices.Equal(got, []string{"c"}) {
		t.Errorf("Keep = %v", got)
	}

	if _, err := c.ProcessQueue(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := remote.Calls()
	want := []string{"DELETE /lists/L1", "DELETE /lists/L2/tasks/" + string(synced.ServerID)}
	if !slices.Equal(calls[len(calls)-2:], want) {
		t.Errorf("calls = %v, want to end with %v", calls, want)
	}
	checkOrders(t, c)
}

func TestOrderInvariantUnderRandomOperations(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	rng := rand.New(rand.NewPCG(7, 11))

	userLists := func() []backend.LocalID {
		var ids []backend.LocalID
		for _, l := range c.GetLists() {
			if !backend.IsSystemList(l.ID) {
				ids = append(ids, l.ID)
			}
		}
		return ids
	}
	allTasks := func() []backend.LocalID {
		var ids []backend.LocalID
		c.Run(func() error {
			for _, task := range c.tasks.All() {
				ids = append(ids, task.ID)
			}
			return nil
		})
		return ids
	}

	for step := 0; step < 300; step++ {
		lists := append(userLists(), backend.ListInbox)
		tasks := allTasks()
		switch op := rng.IntN(8); {
		case op == 0 || len(lists) < 3:
			mustAddList(t, c, fmt.Sprintf("list %d", step))
		case op <= 2:
			mustAddTask(t, c, lists[rng.IntN(len(lists))], fmt.Sprintf("task %d", step))
		case op == 3 && len(tasks) > 0:
			to := lists[rng.IntN(len(lists))]
			if _, err := c.UpdateTask(backend.Local(tasks[rng.IntN(len(tasks))]), backend.Props{"list": string(to)}); err != nil {
				t.Fatal(err)
			}
		case op == 4 && len(tasks) > 0:
			if err := c.DeleteTask(backend.Local(tasks[rng.IntN(len(tasks))])); err != nil {
				t.Fatal(err)
			}
		case op == 5:
			id := lists[rng.IntN(len(lists))]
			list, _ := c.GetList(backend.Local(id))
			order := slices.Clone(list.LocalOrder)
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			if err := c.UpdateOrder(id, order, rng.IntN(2) == 0); err != nil {
				t.Fatal(err)
			}
		case op == 6:
			if u := userLists(); len(u) > 2 {
				if err := c.DeleteList(backend.Local(u[rng.IntN(len(u))])); err != nil {
					t.Fatal(err)
				}
			}
		default:
			if _, err := c.ProcessQueue(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		checkOrders(t, c)
		if t.Failed() {
			t.Fatalf("invariant broken at step %d", step)
		}
	}
}

func TestDeleteListCascades(t *testing.T) {
	remote := &fakeRemote{}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "Doomed")
	keep := mustAddList(t, c, "Keep")
	mustAddTask(t, c, list.ID, "a")
	mustAddTask(t, c, list.ID, "b")
	survivor := mustAddTask(t, c, keep.ID, "c")

	if err := c.DeleteList(backend.Local(list.ID)); err != nil {
		t.Fatalf("DeleteList() error = %v", err)
	}
	c.Run(func() error {
		if n := c.tasks.FindListCount(list.ID); n != 0 {
			t.Errorf("%d tasks still reference the deleted list", n)
		}
		return nil
	})
	if _, ok := c.GetTask(backend.Local(survivor.ID)); !ok {
		t.Error("task of another list removed")
	}
	// Never synced: everything about the list cancels out.
	if p := c.Pending(); p.Lists != 1 || p.Tasks != 1 {
		t.Errorf("pending = %+v, want only Keep and its task", p)
	}
	if _, ok := c.GetList(backend.Local(list.ID)); ok {
		t.Error("list still present")
	}
	if err := c.DeleteList(backend.Local(list.ID)); !backend.IsNotFound(err) {
		t.Errorf("second DeleteList() error = %v, want NotFound", err)
	}
}

func TestDeleteSyncedListSendsOnlyListDelete(t *testing.T) {
	remote := &fakeRemote{ids: []string{"L", "T"}}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "L")
	mustAddTask(t, c, list.ID, "t")
	c.ProcessQueue(context.Background())

	if err := c.DeleteList(backend.Local(list.ID)); err != nil {
		t.Fatal(err)
	}
	if p := c.Pending(); p.Lists != 1 || p.Tasks != 0 {
		t.Errorf("pending = %+v", p)
	}
	c.ProcessQueue(context.Background())
	if calls := remote.Calls(); calls[len(calls)-1] != "DELETE /lists/L" {
		t.Errorf("calls = %v", calls)
	}
}

func TestSystemListsProtected(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	for _, id := range backend.SystemLists {
		err := c.DeleteList(backend.Local(id))
		var pe *backend.ProtectedResourceError
		if !errors.As(err, &pe) || pe.ID != id {
			t.Errorf("DeleteList(%s) error = %v, want ProtectedResourceError", id, err)
		}
		if _, err := c.UpdateList(backend.Local(id), backend.Props{"name": "x"}); !backend.IsProtected(err) {
			t.Errorf("UpdateList(%s) error = %v, want ProtectedResourceError", id, err)
		}
		if _, ok := c.GetList(backend.Local(id)); !ok {
			t.Errorf("system list %s missing", id)
		}
	}
	if c.Pending().Total() != 0 {
		t.Error("system lists queued for sync")
	}
}

func TestServerIDsArePermanent(t *testing.T) {
	remote := &fakeRemote{ids: []string{"L", "T"}}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "L")
	task := mustAddTask(t, c, list.ID, "t")
	c.ProcessQueue(context.Background())

	c.UpdateTask(backend.Local(task.ID), backend.Props{"content": "edited", "serverId": "hijack", "id": "x"})
	c.UpdateList(backend.Local(list.ID), backend.Props{"name": "renamed"})
	remote.data = map[string][]backend.Props{
		"/lists":         {{"id": "L", "name": "server name"}},
		"/lists/L/tasks": {{"id": "T", "content": "server content"}},
	}
	c.DownloadData(context.Background())
	c.ProcessQueue(context.Background())

	gotTask, _ := c.GetTask(backend.Local(task.ID))
	gotList, _ := c.GetList(backend.Local(list.ID))
	if gotTask.ServerID != "T" || gotList.ServerID != "L" {
		t.Errorf("server ids changed: list %q task %q", gotList.ServerID, gotTask.ServerID)
	}
	if gotTask.ID != task.ID {
		t.Errorf("local id changed to %q", gotTask.ID)
	}
}

func TestNotFoundErrors(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	if _, err := c.AddTask(backend.Props{"content": "x", "list": "nope"}); !backend.IsNotFound(err) {
		t.Errorf("AddTask() error = %v", err)
	}
	if _, err := c.UpdateTask(backend.Local("nope"), backend.Props{}); !backend.IsNotFound(err) {
		t.Errorf("UpdateTask() error = %v", err)
	}
	if err := c.DeleteTask(backend.Server("nope")); !backend.IsNotFound(err) {
		t.Errorf("DeleteTask() error = %v", err)
	}
	if _, err := c.GetTasks(backend.Local("nope")); !backend.IsNotFound(err) {
		t.Errorf("GetTasks() error = %v", err)
	}
	if _, ok := c.GetTask(backend.Local("nope")); ok {
		t.Error("GetTask() found a missing task")
	}
	list := mustAddList(t, c, "L")
	task := mustAddTask(t, c, list.ID, "t")
	if _, err := c.UpdateTask(backend.Local(task.ID), backend.Props{"list": "nope"}); !backend.IsNotFound(err) {
		t.Errorf("move to missing list error = %v", err)
	}
	if c.Pending().Tasks != 1 {
		t.Error("failed move queued an update")
	}
}

func TestGetListsEscapesAndCounts(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	list := mustAddList(t, c, "<b>Bold</b>")
	mustAddTask(t, c, list.ID, "a")
	mustAddTask(t, c, list.ID, "b")

	var found bool
	for _, info := range c.GetLists() {
		if info.ID == list.ID {
			found = true
			if info.Name != "&lt;b&gt;Bold&lt;/b&gt;" || info.Count != 2 {
				t.Errorf("GetLists() entry = %+v", info)
			}
		}
	}
	if !found {
		t.Fatal("list missing from GetLists()")
	}
	got, _ := c.GetList(backend.Local(list.ID))
	if got.Name != "&lt;b&gt;Bold&lt;/b&gt;" {
		t.Errorf("GetList() name = %q", got.Name)
	}
}

func TestEventsDeliveredOutsideLane(t *testing.T) {
	c := newCombined(t, &fakeRemote{})
	var seen []string
	c.Bind(EventUpdate, func(args ...any) {
		// Calls back in; deadlocks if delivered inside the lane.
		c.GetLists()
		seen = append(seen, args[0].(string))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		list, err := c.AddList(backend.Props{"name": "L"}, true)
		if err != nil {
			return
		}
		c.AddTask(backend.Props{"content": "t", "list": string(list.ID)})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener deadlocked")
	}
	if !slices.Contains(seen, KeyLists) || !slices.Contains(seen, KeyTasks) {
		t.Errorf("update events = %v", seen)
	}
}

func TestProcessQueueRequiresSignIn(t *testing.T) {
	remote := &fakeRemote{}
	a := &fakeAuth{}
	c, err := New(Options{Store: backend.NewMemoryStore(), Client: remote, Auth: a, AutoSync: true})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	mustAddList(t, c, "offline")
	if _, err := c.ProcessQueue(context.Background()); !errors.Is(err, auth.ErrSignedOut) {
		t.Errorf("ProcessQueue() error = %v, want ErrSignedOut", err)
	}
	if _, err := c.DownloadData(context.Background()); !errors.Is(err, auth.ErrSignedOut) {
		t.Errorf("DownloadData() error = %v, want ErrSignedOut", err)
	}
	c.Wait(time.Second)
	if len(remote.Calls()) != 0 {
		t.Errorf("signed out engine made calls: %v", remote.Calls())
	}
	if c.Pending().Lists != 1 {
		t.Error("pending work lost")
	}

	a.signedIn = true
	mustAddList(t, c, "online")
	if !c.Wait(2*time.Second) || c.Pending().Total() != 0 {
		t.Errorf("auto sync left %+v pending", c.Pending())
	}
}

func TestNetworkFailureKeepsLocalMutation(t *testing.T) {
	remote := &fakeRemote{down: true}
	c := newCombined(t, remote)
	list := mustAddList(t, c, "L")

	res, err := c.ProcessQueue(context.Background())
	if err != nil {
		t.Fatalf("ProcessQueue() error = %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("result = %v", res)
	}
	if _, ok := c.GetList(backend.Local(list.ID)); !ok {
		t.Error("local list lost")
	}
	entries := c.PendingEntries()[KeyLists]
	if len(entries) != 1 || entries[0].Attempts != 1 || entries[0].LastError == "" {
		t.Errorf("entries = %+v", entries)
	}

	remote.down = false
	c.ProcessQueue(context.Background())
	got, _ := c.GetList(backend.Local(list.ID))
	if !got.ServerID.Valid() || c.Pending().Total() != 0 {
		t.Errorf("retry did not sync: %+v pending %+v", got, c.Pending())
	}
}

func TestStoreFailurePropagates(t *testing.T) {
	store := backend.NewMemoryStore()
	c, err := New(Options{Store: store, Client: &fakeRemote{}})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	list := mustAddList(t, c, "L")

	store.SaveErr = errors.New("disk full")
	var se *backend.StoreError
	if _, err := c.AddTask(backend.Props{"content": "x", "list": string(list.ID)}); !errors.As(err, &se) {
		t.Errorf("AddTask() error = %v, want StoreError", err)
	}
	if err := c.UpdateOrder(list.ID, nil, false); !errors.As(err, &se) {
		t.Errorf("UpdateOrder() error = %v, want StoreError", err)
	}
}

func TestStateSurvivesRestart(t *testing.T) {
	store := backend.NewMemoryStore()
	remote := &fakeRemote{}
	c, _ := New(Options{Store: store, Client: remote})
	list := mustAddList(t, c, "L")
	task := mustAddTask(t, c, list.ID, "t")
	c.Close()

	reopened, err := New(Options{Store: store, Client: remote})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, _ := reopened.GetList(backend.Local(list.ID))
	if !slices.Equal(got.LocalOrder, []backend.LocalID{task.ID}) {
		t.Errorf("localOrder = %v", got.LocalOrder)
	}
	if p := reopened.Pending(); p.Lists != 1 || p.Tasks != 1 {
		t.Errorf("pending = %+v", p)
	}
}
