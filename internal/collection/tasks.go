package collection

import (
	"nitrosync/backend"
)

// TasksKey is the store namespace for tasks.
const TasksKey = "tasks"

// Tasks is the task collection.
type Tasks struct {
	*Collection[*backend.Task]
}

// NewTasks loads the task collection.
func NewTasks(store backend.Store) (*Tasks, error) {
	c, err := New(Config[*backend.Task]{
		Kind:  "task",
		Key:   TasksKey,
		Store: store,
		New:   backend.NewTask,
	})
	if err != nil {
		return nil, err
	}
	return &Tasks{Collection: c}, nil
}

// InList returns the tasks whose list is listID, in creation order.
func (t *Tasks) InList(listID backend.LocalID) []*backend.Task {
	var out []*backend.Task
	for _, task := range t.All() {
		if task.List == listID {
			out = append(out, task)
		}
	}
	return out
}

// FindListCount returns how many tasks belong to listID.
func (t *Tasks) FindListCount(listID backend.LocalID) int {
	n := 0
	for _, id := range t.ids {
		if t.items[id].List == listID {
			n++
		}
	}
	return n
}

// DeleteAllFromList removes every task of listID locally. The server
// deletes nested tasks together with their list, so nothing is sent.
func (t *Tasks) DeleteAllFromList(listID backend.LocalID) error {
	var ids []backend.LocalID
	for _, task := range t.InList(listID) {
		ids = append(ids, task.ID)
	}
	return t.Remove(ids...)
}
