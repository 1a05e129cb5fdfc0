package cli

import (
	"html"
	"strings"

	"nitrosync/backend"
	"nitrosync/internal/combined"
	"nitrosync/internal/utils"
)

// Engine is the part of the orchestrator the CLI resolves names against.
type Engine interface {
	GetLists() []combined.ListInfo
	GetList(ref backend.Ref) (backend.List, bool)
	GetTask(ref backend.Ref) (backend.Task, bool)
}

// ResolveList finds a list by local id, server id or case-insensitive
// name, in that order.
func ResolveList(e Engine, arg string) (backend.List, error) {
	if l, ok := e.GetList(backend.Local(backend.LocalID(arg))); ok {
		return l, nil
	}
	if l, ok := e.GetList(backend.Server(backend.ServerID(arg))); ok {
		return l, nil
	}

	var matches []combined.ListInfo
	for _, l := range e.GetLists() {
		if strings.EqualFold(html.UnescapeString(l.Name), arg) {
			matches = append(matches, l)
		}
	}
	switch len(matches) {
	case 0:
		return backend.List{}, utils.ErrListNotFound(arg)
	case 1:
		return matches[0].List, nil
	default:
		return backend.List{}, utils.ErrAmbiguousList(arg, len(matches))
	}
}

// ResolveTask finds a task by local id, then by server id.
func ResolveTask(e Engine, arg string) (backend.Task, error) {
	if t, ok := e.GetTask(backend.Local(backend.LocalID(arg))); ok {
		return t, nil
	}
	if t, ok := e.GetTask(backend.Server(backend.ServerID(arg))); ok {
		return t, nil
	}
	return backend.Task{}, utils.ErrTaskNotFound(arg)
}
