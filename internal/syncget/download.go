// Package syncget pulls remote state and merges it into local collections.
package syncget

import (
	"context"
	"fmt"
	"net/url"
	"reflect"

	"nitrosync/backend"
	"nitrosync/internal/collection"
	"nitrosync/internal/remote"
	"nitrosync/internal/utils"
)

// Snapshot keys.
const (
	KeyLists = "lists"
	KeyTasks = "tasks"
)

// ListField is the task record field holding the owning list's server id.
const ListField = "list"

// Snapshot is the server's state keyed by entity type.
type Snapshot map[string][]backend.Props

// Without returns a copy of the snapshot minus the named lists and tasks.
// Tasks of a removed list go with it. Entities deleted locally whose delete
// has not reached the server yet are filtered this way, so a download cannot
// bring them back.
func (s Snapshot) Without(lists, tasks []backend.ServerID) Snapshot {
	if len(lists) == 0 && len(tasks) == 0 {
		return s
	}
	goneLists := make(map[backend.ServerID]bool, len(lists))
	for _, sid := range lists {
		goneLists[sid] = true
	}
	goneTasks := make(map[backend.ServerID]bool, len(tasks))
	for _, sid := range tasks {
		goneTasks[sid] = true
	}

	out := Snapshot{KeyLists: []backend.Props{}, KeyTasks: []backend.Props{}}
	for _, rec := range s[KeyLists] {
		if sid, ok := remote.RecordID(rec); ok && goneLists[sid] {
			continue
		}
		out[KeyLists] = append(out[KeyLists], rec)
	}
	for _, rec := range s[KeyTasks] {
		if sid, ok := remote.RecordID(rec); ok && goneTasks[sid] {
			continue
		}
		if listSid, ok := rec.String(ListField); ok && goneLists[backend.ServerID(listSid)] {
			continue
		}
		out[KeyTasks] = append(out[KeyTasks], rec)
	}
	return out
}

// MergeResult describes what UpdateLocal changed.
type MergeResult struct {
	ListsCreated int
	ListsUpdated int
	TasksCreated int
	TasksUpdated int
	Skipped      int
	// Orders holds the server order of every list present in the snapshot,
	// keyed by the list's local id.
	Orders map[backend.LocalID][]backend.ServerID
}

// Changed reports whether the merge touched local state.
func (r MergeResult) Changed() bool {
	return r.ListsCreated+r.ListsUpdated+r.TasksCreated+r.TasksUpdated > 0
}

func (r MergeResult) String() string {
	return fmt.Sprintf("lists +%d ~%d, tasks +%d ~%d, skipped %d",
		r.ListsCreated, r.ListsUpdated, r.TasksCreated, r.TasksUpdated, r.Skipped)
}

// Downloader fetches lists and their tasks.
type Downloader struct {
	client remote.Client
	lists  *collection.Lists
	tasks  *collection.Tasks
}

// New creates a downloader merging into lists and tasks.
func New(client remote.Client, lists *collection.Lists, tasks *collection.Tasks) *Downloader {
	return &Downloader{client: client, lists: lists, tasks: tasks}
}

// DownloadLists fetches every list and then each list's tasks. Task records
// are annotated with their list's server id under ListField. It does not
// touch local state.
func (d *Downloader) DownloadLists(ctx context.Context) (Snapshot, error) {
	lists, err := d.client.Fetch(ctx, "/"+KeyLists, KeyLists)
	if err != nil {
		return nil, fmt.Errorf("download lists: %w", err)
	}
	snap := Snapshot{KeyLists: lists, KeyTasks: []backend.Props{}}
	for _, list := range lists {
		sid, ok := remote.RecordID(list)
		if !ok {
			continue
		}
		path := fmt.Sprintf("/%s/%s/%s", KeyLists, url.PathEscape(string(sid)), KeyTasks)
		tasks, err := d.client.Fetch(ctx, path, KeyTasks)
		if err != nil {
			return nil, fmt.Errorf("download tasks of list %s: %w", sid, err)
		}
		for _, task := range tasks {
			task[ListField] = string(sid)
			snap[KeyTasks] = append(snap[KeyTasks], task)
		}
	}
	utils.Debugf("downloaded %d lists, %d tasks", len(snap[KeyLists]), len(snap[KeyTasks]))
	return snap, nil
}

// UpdateLocal merges a snapshot into the collections. Records whose server
// id is known locally overwrite the local fields. Unknown server ids become
// new local entities. Local-only entities are left alone. Merging the same
// snapshot again changes nothing.
func (d *Downloader) UpdateLocal(snap Snapshot) (MergeResult, error) {
	res := MergeResult{Orders: make(map[backend.LocalID][]backend.ServerID)}
	taskOrder := make(map[backend.ServerID][]backend.ServerID)

	for _, rec := range snap[KeyLists] {
		sid, ok := remote.RecordID(rec)
		if !ok {
			res.Skipped++
			utils.Warnf("download: list record without id skipped")
			continue
		}
		props := pick(rec, "name", "notes")
		list, created, updated, err := mergeOne(d.lists.Collection, sid, props)
		if err != nil {
			return res, err
		}
		if created {
			res.ListsCreated++
		} else if updated {
			res.ListsUpdated++
		}
		if order, ok := rec["order"]; ok {
			res.Orders[list.ID] = remote.ServerIDs(order)
		} else {
			taskOrder[sid] = []backend.ServerID{}
		}
	}

	for _, rec := range snap[KeyTasks] {
		sid, ok := remote.RecordID(rec)
		listSid, hasList := rec.String(ListField)
		if !ok || !hasList {
			res.Skipped++
			utils.Warnf("download: task record without id or list skipped")
			continue
		}
		list, ok := d.lists.Find(backend.Server(backend.ServerID(listSid)))
		if !ok {
			res.Skipped++
			utils.Warnf("download: task %s references unknown list %s", sid, listSid)
			continue
		}
		props := fields(rec, remote.IDField)
		props[ListField] = string(list.ID)
		_, created, updated, err := mergeOne(d.tasks.Collection, sid, props)
		if err != nil {
			return res, err
		}
		if created {
			res.TasksCreated++
		} else if updated {
			res.TasksUpdated++
		}
		if order, ok := taskOrder[backend.ServerID(listSid)]; ok {
			taskOrder[backend.ServerID(listSid)] = append(order, sid)
		}
	}

	// Lists without an order field take the order tasks were returned in.
	for listSid, order := range taskOrder {
		if list, ok := d.lists.Find(backend.Server(listSid)); ok {
			res.Orders[list.ID] = order
		}
	}
	return res, nil
}

// mergeOne applies a server record to the entity claiming sid, or creates
// one bound to it.
func mergeOne[E backend.Entity](c *collection.Collection[E], sid backend.ServerID, props backend.Props) (E, bool, bool, error) {
	e, ok := c.Find(backend.Server(sid))
	if !ok {
		e, err := c.AddRemote(sid, props)
		return e, err == nil, false, err
	}
	if !differs(e, props) {
		return e, false, false, nil
	}
	e, err := c.Merge(e.GetID(), props)
	return e, false, err == nil, err
}

// differs reports whether applying props would change e.
func differs(e backend.Entity, props backend.Props) bool {
	for k, v := range props {
		current, ok := e.Field(k)
		if k == ListField {
			if child, isChild := e.(backend.Child); isChild {
				current, ok = string(child.ParentID()), true
			}
		}
		if !ok || !reflect.DeepEqual(current, v) {
			return true
		}
	}
	return false
}

// pick copies the named keys present in rec.
func pick(rec backend.Props, keys ...string) backend.Props {
	out := make(backend.Props, len(keys))
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			out[k] = v
		}
	}
	return out
}

// fields copies rec without the named keys.
func fields(rec backend.Props, drop ...string) backend.Props {
	out := rec.Clone()
	for _, k := range drop {
		delete(out, k)
	}
	return out
}
