package collection

import (
	"nitrosync/backend"
)

// ListsKey is the store namespace for lists.
const ListsKey = "lists"

// Lists is the list collection.
type Lists struct {
	*Collection[*backend.List]
}

// NewLists loads the list collection and makes sure the system lists exist.
func NewLists(store backend.Store) (*Lists, error) {
	c, err := New(Config[*backend.List]{
		Kind:  "list",
		Key:   ListsKey,
		Store: store,
		New:   backend.NewList,
	})
	if err != nil {
		return nil, err
	}
	l := &Lists{Collection: c}
	if err := l.SeedSystemLists(); err != nil {
		return nil, err
	}
	return l, nil
}

// SeedSystemLists adds any missing system list. They are local-only and are
// never queued for sync.
func (l *Lists) SeedSystemLists() error {
	missing := false
	for _, id := range backend.SystemLists {
		if _, ok := l.items[id]; ok {
			continue
		}
		list := backend.NewList(id, backend.Props{"name": string(id)})
		l.items[id] = list
		l.ids = append(l.ids, id)
		missing = true
	}
	if !missing {
		return nil
	}
	return l.SaveLocal()
}
