package backend

import (
	"encoding/json"
	"fmt"
	"slices"
)

// LocalID identifies an entity on this device. It is assigned at creation and
// never changes.
type LocalID string

// ServerID identifies an entity on the remote server. The zero value means the
// entity has not been acknowledged by the server yet.
type ServerID string

// Valid reports whether a server identifier has been assigned.
func (id ServerID) Valid() bool {
	return id != ""
}

// MarshalJSON encodes an unassigned server id as null.
func (id ServerID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON decodes null into the unassigned server id.
func (id *ServerID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*id = ServerID(s)
	return nil
}

// Ref names an entity in exactly one identifier space.
type Ref struct {
	Local  LocalID
	Server ServerID
}

// Local builds a reference in local-identifier space.
func Local(id LocalID) Ref {
	return Ref{Local: id}
}

// Server builds a reference in server-identifier space.
func Server(id ServerID) Ref {
	return Ref{Server: id}
}

// IsServer reports whether the reference is in server-identifier space.
func (r Ref) IsServer() bool {
	return r.Server != ""
}

func (r Ref) String() string {
	if r.IsServer() {
		return "server:" + string(r.Server)
	}
	return string(r.Local)
}

// Props is the plain field bag used to create and update entities.
type Props map[string]any

// Clone returns a shallow copy of the props.
func (p Props) Clone() Props {
	out := make(Props, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key.
func (p Props) String(key string) (string, bool) {
	return asString(p[key])
}

// System lists always exist locally and can never be deleted.
const (
	ListInbox LocalID = "inbox"
	ListToday LocalID = "today"
	ListNext  LocalID = "next"
	ListAll   LocalID = "all"
)

// SystemLists in display order.
var SystemLists = []LocalID{ListInbox, ListToday, ListNext, ListAll}

// IsSystemList reports whether id names one of the protected system lists.
func IsSystemList(id LocalID) bool {
	return slices.Contains(SystemLists, id)
}

// Entity is implemented by every type stored in a collection.
type Entity interface {
	GetID() LocalID
	GetServerID() ServerID
	SetServerID(ServerID)
	// Apply merges props into the entity. Identifier keys are ignored.
	Apply(Props)
	// Field returns the value sent to the server for a whitelisted field name.
	Field(name string) (any, bool)
}

// List is an ordered collection of tasks.
type List struct {
	ID       LocalID  `json:"id"`
	ServerID ServerID `json:"serverId"`
	Name     string   `json:"name"`
	Notes    string   `json:"notes,omitempty"`
	// Order holds task server ids and is what the server sees.
	Order []ServerID `json:"order"`
	// LocalOrder holds task local ids and drives rendering.
	LocalOrder []LocalID `json:"localOrder"`
	// PendingOrder marks a reorder that named tasks the server had not
	// acknowledged yet. The order is pushed again once they all are.
	PendingOrder bool `json:"pendingOrder,omitempty"`
}

// NewList builds a list from props with the given local id.
func NewList(id LocalID, props Props) *List {
	l := &List{ID: id, Order: []ServerID{}, LocalOrder: []LocalID{}}
	l.Apply(props)
	return l
}

func (l *List) GetID() LocalID { return l.ID }
func (l *List) GetServerID() ServerID { return l.ServerID }
func (l *List) SetServerID(id ServerID) { l.ServerID = id }
func (l *List) IsSystem() bool { return IsSystemList(l.ID) }

// Apply merges name and notes. Order arrays are only changed through the
// orchestrator so the two stay in lock-step.
func (l *List) Apply(props Props) {
	if v, ok := props.String("name"); ok {
		l.Name = v
	}
	if v, ok := props.String("notes"); ok {
		l.Notes = v
	}
}

func (l *List) Field(name string) (any, bool) {
	switch name {
	case "name":
		return l.Name, true
	case "notes":
		return l.Notes, true
	case "order":
		return slices.Clone(l.Order), true
	}
	return nil, false
}

// ToObject returns a detached copy safe to hand to callers.
func (l *List) ToObject() List {
	out := *l
	out.Order = slices.Clone(l.Order)
	out.LocalOrder = slices.Clone(l.LocalOrder)
	if out.Order == nil {
		out.Order = []ServerID{}
	}
	if out.LocalOrder == nil {
		out.LocalOrder = []LocalID{}
	}
	return out
}

// Task belongs to exactly one list, referenced by the list's local id.
type Task struct {
	ID       LocalID        `json:"id"`
	ServerID ServerID       `json:"serverId"`
	Content  string         `json:"content"`
	Notes    string         `json:"notes,omitempty"`
	List     LocalID        `json:"list"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// NewTask builds a task from props with the given local id.
func NewTask(id LocalID, props Props) *Task {
	t := &Task{ID: id}
	t.Apply(props)
	return t
}

func (t *Task) GetID() LocalID { return t.ID }
func (t *Task) GetServerID() ServerID { return t.ServerID }
func (t *Task) SetServerID(id ServerID) { t.ServerID = id }

// Apply merges props. Unknown keys are kept in Extra so server-synced fields
// the engine does not model survive round trips.
func (t *Task) Apply(props Props) {
	for key, value := range props {
		switch key {
		case "id", "serverId":
		case "content":
			if v, ok := asString(value); ok {
				t.Content = v
			}
		case "notes":
			if v, ok := asString(value); ok {
				t.Notes = v
			}
		case "list":
			if v, ok := asString(value); ok {
				t.List = LocalID(v)
			}
		default:
			if t.Extra == nil {
				t.Extra = make(map[string]any)
			}
			t.Extra[key] = value
		}
	}
}

func (t *Task) Field(name string) (any, bool) {
	switch name {
	case "content":
		return t.Content, true
	case "notes":
		return t.Notes, true
	}
	v, ok := t.Extra[name]
	return v, ok
}

// ToObject returns a detached copy safe to hand to callers.
func (t *Task) ToObject() Task {
	out := *t
	if t.Extra != nil {
		out.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case LocalID:
		return string(s), true
	case ServerID:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// Operation is the kind of a pending outbound mutation.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpReorder Operation = "reorder"
	// OpRemap is only reported in collection events; it is never queued.
	OpRemap Operation = "remap"
)

// Child is implemented by entities nested under a parent entity.
type Child interface {
	ParentID() LocalID
}

// ParentID returns the owning list.
func (t *Task) ParentID() LocalID {
	return t.List
}
