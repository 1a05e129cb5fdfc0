// Package devserver is an in-memory implementation of the sync server's REST
// API, for local development and end-to-end tests.
package devserver

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
)

type list struct {
	ID    string
	Name  string
	Notes string
	Order []string
}

type task struct {
	ID     string
	List   string
	Fields map[string]any
}

// Server holds lists and tasks in memory.
type Server struct {
	// Token, when set, must be presented as a bearer token.
	Token string

	mu     sync.Mutex
	nextID int
	lists  []*list
	tasks  map[string]*task
	// failures maps "METHOD path" to a status to answer with once.
	failures map[string]int
	requests []string

	logger *log.Logger
}

// New creates an empty server.
func New(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New()
	}
	return &Server{
		tasks:    make(map[string]*task),
		failures: make(map[string]int),
		logger:   logger,
	}
}

// Handler returns an echo instance serving the API.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(s.record)
	e.Use(s.authenticate)

	e.GET("/lists", s.getLists)
	e.POST("/lists", s.createList)
	e.PATCH("/lists/:list", s.updateList)
	e.DELETE("/lists/:list", s.deleteList)
	e.GET("/lists/:list/tasks", s.getTasks)
	e.POST("/lists/:list/tasks", s.createTask)
	e.PATCH("/lists/:list/tasks/:task", s.updateTask)
	e.DELETE("/lists/:list/tasks/:task", s.deleteTask)
	return e
}

// FailNext makes the next request matching method and path answer status.
func (s *Server) FailNext(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Requests returns "METHOD path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

func (s *Server) record(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Method + " " + c.Request().URL.Path
		s.mu.Lock()
		s.requests = append(s.requests, key)
		status, fail := s.failures[key]
		delete(s.failures, key)
		s.mu.Unlock()

		s.logger.WithFields(log.Fields{"method": c.Request().Method, "path": c.Request().URL.Path}).Debug("request")
		if fail {
			return c.JSON(status, echo.Map{"error": http.StatusText(status)})
		}
		return next(c)
	}
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Token == "" {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.EqualFold(strings.TrimSpace(header), "Bearer "+s.Token) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
		}
		return next(c)
	}
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func (s *Server) findList(id string) (int, *list) {
	for i, l := range s.lists {
		if l.ID == id {
			return i, l
		}
	}
	return -1, nil
}

func (s *Server) listRecord(l *list) echo.Map {
	return echo.Map{"id": l.ID, "name": l.Name, "notes": l.Notes, "order": slices.Clone(l.Order)}
}

func taskRecord(t *task) echo.Map {
	rec := echo.Map{}
	for k, v := range t.Fields {
		rec[k] = v
	}
	rec["id"] = t.ID
	return rec
}

func bindBody(c echo.Context) (map[string]any, error) {
	var body map[string]any
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}
	return body, nil
}

func notFound(c echo.Context, what string) error {
	return c.JSON(http.StatusNotFound, echo.Map{"error": what + " not found"})
}

func (s *Server) getLists(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]echo.Map, 0, len(s.lists))
	for _, l := range s.lists {
		out = append(out, s.listRecord(l))
	}
	return c.JSON(http.StatusOK, echo.Map{"lists": out})
}

func (s *Server) createList(c echo.Context) error {
	body, err := bindBody(c)
	if err != nil {
		return err
	}
	name, _ := body["name"].(string)
	if strings.TrimSpace(name) == "" {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "name is required"})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &list{ID: s.newID(), Name: name, Order: []string{}}
	l.Notes, _ = body["notes"].(string)
	s.lists = append(s.lists, l)
	return c.JSON(http.StatusCreated, s.listRecord(l))
}

func (s *Server) updateList(c echo.Context) error {
	body, err := bindBody(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, l := s.findList(c.Param("list"))
	if l == nil {
		return notFound(c, "list")
	}
	if v, ok := body["name"].(string); ok {
		l.Name = v
	}
	if v, ok := body["notes"].(string); ok {
		l.Notes = v
	}
	if v, ok := body["order"].([]any); ok {
		order := make([]string, 0, len(v))
		for _, id := range v {
			if id, ok := id.(string); ok {
				if t, exists := s.tasks[id]; exists && t.List == l.ID {
					order = append(order, id)
				}
			}
		}
		// Tasks the client did not mention keep their place at the end.
		for _, id := range l.Order {
			if !slices.Contains(order, id) {
				order = append(order, id)
			}
		}
		l.Order = order
	}
	return c.JSON(http.StatusOK, s.listRecord(l))
}

func (s *Server) deleteList(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, l := s.findList(c.Param("list"))
	if l == nil {
		return notFound(c, "list")
	}
	for id, t := range s.tasks {
		if t.List == l.ID {
			delete(s.tasks, id)
		}
	}
	s.lists = slices.Delete(s.lists, i, i+1)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getTasks(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, l := s.findList(c.Param("list"))
	if l == nil {
		return notFound(c, "list")
	}
	out := make([]echo.Map, 0, len(l.Order))
	for _, id := range l.Order {
		out = append(out, taskRecord(s.tasks[id]))
	}
	return c.JSON(http.StatusOK, echo.Map{"tasks": out})
}

func (s *Server) createTask(c echo.Context) error {
	body, err := bindBody(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, l := s.findList(c.Param("list"))
	if l == nil {
		return notFound(c, "list")
	}
	delete(body, "id")
	t := &task{ID: s.newID(), List: l.ID, Fields: body}
	s.tasks[t.ID] = t
	l.Order = append([]string{t.ID}, l.Order...)
	return c.JSON(http.StatusCreated, taskRecord(t))
}

// updateTask also moves the task when it is addressed under another list.
func (s *Server) updateTask(c echo.Context) error {
	body, err := bindBody(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, l := s.findList(c.Param("list"))
	if l == nil {
		return notFound(c, "list")
	}
	t, ok := s.tasks[c.Param("task")]
	if !ok {
		return notFound(c, "task")
	}
	if t.List != l.ID {
		if _, old := s.findList(t.List); old != nil {
			old.Order = slices.DeleteFunc(old.Order, func(id string) bool { return id == t.ID })
		}
		t.List = l.ID
		l.Order = append([]string{t.ID}, l.Order...)
	}
	delete(body, "id")
	for k, v := range body {
		t.Fields[k] = v
	}
	return c.JSON(http.StatusOK, taskRecord(t))
}

func (s *Server) deleteTask(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, l := s.findList(c.Param("list"))
	if l == nil {
		return notFound(c, "list")
	}
	t, ok := s.tasks[c.Param("task")]
	if !ok || t.List != l.ID {
		return notFound(c, "task")
	}
	delete(s.tasks, t.ID)
	l.Order = slices.DeleteFunc(l.Order, func(id string) bool { return id == t.ID })
	return c.NoContent(http.StatusNoContent)
}

// Snapshot returns list names and their task contents in server order, for
// assertions.
func (s *Server) Snapshot() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.lists))
	for _, l := range s.lists {
		contents := make([]string, 0, len(l.Order))
		for _, id := range l.Order {
			c, _ := s.tasks[id].Fields["content"].(string)
			contents = append(contents, c)
		}
		out[l.Name] = contents
	}
	return out
}
