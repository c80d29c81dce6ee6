package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/models"
	"github.com/nixos-ai-stack/hybrid-coordinator/pkg/ralph"
)

// wsMessage is one client action frame.
type wsMessage struct {
	Action   string         `json:"action"`
	APIKey   string         `json:"api_key,omitempty"`
	ClientID string         `json:"client_id,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// wsReply is the server frame for action results and errors.
type wsReply struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// wsConnection is a single WebSocket client.
//
// authenticated is accessed without a lock: all reads and writes happen on
// the goroutine that owns this connection (HandleConnection's read loop).
type wsConnection struct {
	id            string
	conn          *websocket.Conn
	clientID      string
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// ConnectionManager owns the WebSocket action surface: registration, the
// per-connection read loop, action dispatch, and broadcast.
type ConnectionManager struct {
	server *Server

	connections map[string]*wsConnection
	mu          sync.RWMutex

	writeTimeout time.Duration
}

// NewConnectionManager creates the manager bound to its server's dispatch
// surfaces.
func NewConnectionManager(server *Server, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		server:       server,
		connections:  make(map[string]*wsConnection),
		writeTimeout: writeTimeout,
	}
}

// wsHandler upgrades GET /ws and delegates to the ConnectionManager.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &wsConnection{
		id:     connID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	// A deployment without a configured key has nothing to authenticate
	// against.
	if m.server.apiKey == "" {
		c.authenticated = true
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, wsReply{Type: "connection.established", Data: map[string]string{"connection_id": connID}})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", connID, "error", err)
			m.sendJSON(c, wsReply{Type: "error", Message: "invalid message"})
			continue
		}

		m.handleMessage(ctx, c, &msg)
	}
}

func (m *ConnectionManager) register(c *wsConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *ConnectionManager) unregister(c *wsConnection) {
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
	c.cancel()
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CloseAll force-closes every connection during shutdown.
func (m *ConnectionManager) CloseAll() {
	m.mu.Lock()
	conns := make([]*wsConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		c.cancel()
	}
}

// Broadcast sends an event to every connected client. Lock holds only for
// the snapshot, never across sends.
func (m *ConnectionManager) Broadcast(eventType string, data any) {
	payload, err := json.Marshal(wsReply{Type: eventType, Data: data})
	if err != nil {
		slog.Warn("Failed to marshal broadcast", "type", eventType, "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*wsConnection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client", "connection_id", c.id, "error", err)
		}
	}
}

// handleMessage authenticates and dispatches one client action.
func (m *ConnectionManager) handleMessage(ctx context.Context, c *wsConnection, msg *wsMessage) {
	if msg.ClientID != "" {
		c.clientID = msg.ClientID
	}
	if !c.authenticated && keyMatches(msg.APIKey, m.server.apiKey) {
		c.authenticated = true
	}

	switch msg.Action {
	case "ping":
		m.sendJSON(c, wsReply{Type: "pong"})
		return
	case "":
		m.sendJSON(c, wsReply{Type: "error", Message: "action is required"})
		return
	}

	if !c.authenticated {
		m.sendJSON(c, wsReply{Type: "error", Action: msg.Action, Message: "unauthorized: send api_key"})
		return
	}
	if m.server.limiter != nil {
		if ok, _ := m.server.limiter.Allow(m.limiterKey(c)); !ok {
			m.sendJSON(c, wsReply{Type: "error", Action: msg.Action, Message: "rate limit exceeded"})
			return
		}
	}

	data, err := m.dispatch(ctx, c, msg)
	if err != nil {
		m.sendJSON(c, wsReply{Type: "error", Action: msg.Action, Message: err.Error()})
		return
	}
	m.sendJSON(c, wsReply{Type: "result", Action: msg.Action, Data: data})
}

func (m *ConnectionManager) limiterKey(c *wsConnection) string {
	if c.clientID != "" {
		return "ws:" + c.clientID
	}
	return "ws:" + c.id
}

// dispatch runs one action against the coordinator's surfaces.
func (m *ConnectionManager) dispatch(ctx context.Context, c *wsConnection, msg *wsMessage) (any, error) {
	s := m.server
	params := msg.Params
	if params == nil {
		params = map[string]any{}
	}

	switch msg.Action {
	case "discover_tools":
		if s.registry == nil {
			return nil, errWSUnavailable("tool registry")
		}
		mode := models.DisclosureMinimal
		if stringParam(params, "mode") == models.DisclosureFull {
			mode = models.DisclosureFull
		}
		return s.registry.GetTools(mode), nil

	case "semantic_search":
		if s.registry == nil {
			return nil, errWSUnavailable("tool registry")
		}
		return s.registry.ExecuteTool(ctx, "search_context", m.caller(c), params)

	case "run_sandboxed":
		if s.ralph == nil {
			return nil, errWSUnavailable("task engine")
		}
		command := stringParam(params, "command")
		if command == "" {
			return nil, errWSValidation("command is required")
		}
		if s.screener != nil {
			if hits := s.screener.Detect(command); len(hits) > 0 {
				return nil, errWSValidation("command contains secret material: " + hits[0])
			}
		}
		taskID, err := s.ralph.Submit(ralph.SubmitRequest{
			Prompt:        command,
			Backend:       stringParam(params, "backend"),
			TaskType:      "sandbox",
			IterationMode: models.ModeFixed,
			MaxIterations: 1,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"task_id": taskID, "status": models.TaskQueued}, nil

	case "discover_skills":
		if s.skills == nil {
			return nil, errWSUnavailable("skill store")
		}
		approved := make([]models.Skill, 0)
		for _, skill := range s.skills.List() {
			if skill.Status == models.SkillApproved {
				skill.Content = ""
				approved = append(approved, skill)
			}
		}
		return approved, nil

	case "list_skills":
		if s.skills == nil {
			return nil, errWSUnavailable("skill store")
		}
		return s.skills.List(), nil

	case "get_skill":
		if s.skills == nil {
			return nil, errWSUnavailable("skill store")
		}
		slug := stringParam(params, "slug")
		if slug == "" {
			return nil, errWSValidation("slug is required")
		}
		return s.skills.Get(slug)

	case "import_skill":
		if s.skills == nil {
			return nil, errWSUnavailable("skill store")
		}
		if content := stringParam(params, "content"); content != "" {
			return s.skills.ImportInline(ctx, content)
		}
		if url := stringParam(params, "url"); url != "" {
			return s.skills.ImportURL(ctx, url)
		}
		return nil, errWSValidation("content or url is required")

	default:
		return nil, errWSValidation("unknown action: " + msg.Action)
	}
}

func (m *ConnectionManager) caller(c *wsConnection) string {
	if c.clientID != "" {
		return "ws:" + c.clientID
	}
	return "ws"
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return v
}

type wsError struct {
	msg string
}

func (e *wsError) Error() string { return e.msg }

func errWSValidation(msg string) error {
	return &wsError{msg: msg}
}

func errWSUnavailable(component string) error {
	return &wsError{msg: component + " not configured"}
}

// sendJSON marshals and sends a single frame, logging failures.
func (m *ConnectionManager) sendJSON(c *wsConnection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *wsConnection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
