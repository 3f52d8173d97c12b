package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"reweave/internal/logging"
	"reweave/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	connBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// JobService is what the websocket layer needs from the job controller.
type JobService interface {
	// CreateJob validates the input and persists a new pending job.
	CreateJob(text string, params types.UserParams) (*types.Job, error)
	// RunJob launches the worker for a pending or resumable job. It fails
	// if a worker is already active for the job.
	RunJob(jobID string) error
	// AbortJob sets the cooperative abort flag.
	AbortJob(jobID string) error
	// GetJob loads the persisted job state.
	GetJob(jobID string) (*types.Job, error)
}

// AuditSource is what the audit stream needs from persistence.
type AuditSource interface {
	ListAudit(jobID string, afterSeq int64) ([]types.AuditEvent, error)
	GetJob(jobID string) (*types.Job, error)
}

// clientMessage is the union of all client-to-server requests.
type clientMessage struct {
	Type               string `json:"type"`
	Text               string `json:"text"`
	CustomInstructions string `json:"customInstructions"`
	AudienceParameters string `json:"audienceParameters"`
	RigorLevel         string `json:"rigorLevel"`
	JobID              string `json:"jobId"`
	AuditLogID         string `json:"auditLogId"`
}

// conn is one websocket connection with its hub subscriptions.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub

	mu        sync.Mutex
	observers map[string]*Observer
	closed    bool
}

func newConn(ws *websocket.Conn, hub *Hub) *conn {
	return &conn{
		ws:        ws,
		send:      make(chan []byte, connBuffer),
		hub:       hub,
		observers: make(map[string]*Observer),
	}
}

// enqueue hands a message to the write pump without blocking. A client that
// cannot drain its buffer loses messages rather than stalling the server.
func (c *conn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		logging.Stream("Dropping message for slow websocket client")
	}
}

func (c *conn) sendJSON(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Stream("Failed to marshal websocket message: %v", err)
		return
	}
	c.enqueue(data)
}

func (c *conn) sendError(message string) {
	c.sendJSON(ErrorMsg{Type: TypeError, Message: message})
}

// follow subscribes the connection to a topic and forwards its messages.
func (c *conn) follow(topic string) {
	c.mu.Lock()
	if c.closed || c.observers[topic] != nil {
		c.mu.Unlock()
		return
	}
	obs := c.hub.Subscribe(topic)
	c.observers[topic] = obs
	c.mu.Unlock()

	go func() {
		for data := range obs.C() {
			c.enqueue(data)
		}
		c.closeIfStale(topic, obs)
	}()
}

// closeIfStale closes the connection when the hub closed an observer
// channel out from under it (slow-observer drop or hub shutdown), so the
// client sees a disconnect instead of a silently dead subscription.
func (c *conn) closeIfStale(topic string, obs *Observer) {
	c.mu.Lock()
	stale := !c.closed && c.observers[topic] == obs
	c.mu.Unlock()
	if stale {
		// close drains to the write pump, which sends the close frame.
		logging.Stream("Closing websocket after dropped subscription on topic %s", topic)
		c.close()
	}
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	observers := c.observers
	c.observers = nil
	close(c.send)
	c.mu.Unlock()

	for _, obs := range observers {
		c.hub.Unsubscribe(obs)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// CCStreamHandler serves the job control socket at /ws/cc-stream.
func CCStreamHandler(hub *Hub, jobs JobService) gin.HandlerFunc {
	return func(gc *gin.Context) {
		ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			logging.Stream("Websocket upgrade failed: %v", err)
			return
		}
		c := newConn(ws, hub)
		go c.writePump()
		go c.readPump(jobs)
	}
}

func (c *conn) readPump(jobs JobService) {
	defer func() {
		c.close()
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Stream("Websocket read error: %v", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed request")
			continue
		}
		c.handle(jobs, msg)
	}
}

func (c *conn) handle(jobs JobService, msg clientMessage) {
	switch msg.Type {
	case "start_job":
		params := types.UserParams{
			Audience:     msg.AudienceParameters,
			Rigor:        msg.RigorLevel,
			Instructions: msg.CustomInstructions,
		}
		job, err := jobs.CreateJob(msg.Text, params)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		// Subscribe before launching so job_started is not missed.
		c.follow(job.ID)
		if err := jobs.RunJob(job.ID); err != nil {
			c.sendError(err.Error())
		}

	case "resume_job":
		job, err := jobs.GetJob(msg.JobID)
		if err != nil {
			c.sendError("unknown job: " + msg.JobID)
			return
		}
		if job.Status.Terminal() && job.Status != types.JobFailed {
			c.sendError("job " + msg.JobID + " is already " + string(job.Status))
			return
		}
		c.follow(job.ID)
		if err := jobs.RunJob(job.ID); err != nil {
			c.sendError(err.Error())
		}

	case "abort_job":
		if err := jobs.AbortJob(msg.JobID); err != nil {
			c.sendError(err.Error())
		}

	case "get_status":
		job, err := jobs.GetJob(msg.JobID)
		if err != nil {
			c.sendError("unknown job: " + msg.JobID)
			return
		}
		c.sendJSON(NewStatusMsg(job))

	default:
		c.sendError("unknown request type: " + msg.Type)
	}
}

// GenerationHandler serves the expansion progress socket at /ws/generation.
// Connections are observers only; runs are started over HTTP or the CLI.
func GenerationHandler(hub *Hub) gin.HandlerFunc {
	return func(gc *gin.Context) {
		ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			logging.Stream("Websocket upgrade failed: %v", err)
			return
		}
		c := newConn(ws, hub)
		c.follow(TopicGeneration)
		go c.writePump()
		go c.discardReadPump()
	}
}

// discardReadPump drains client frames so control messages keep flowing.
func (c *conn) discardReadPump() {
	defer func() {
		c.close()
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// AuditHandler serves the audit stream socket at /ws/audit. A subscribe
// request returns the persisted history, then live entries until the job
// completes.
func AuditHandler(hub *Hub, source AuditSource) gin.HandlerFunc {
	return func(gc *gin.Context) {
		ws, err := upgrader.Upgrade(gc.Writer, gc.Request, nil)
		if err != nil {
			logging.Stream("Websocket upgrade failed: %v", err)
			return
		}
		c := newConn(ws, hub)
		go c.writePump()
		go c.auditReadPump(source)
	}
}

func (c *conn) auditReadPump(source AuditSource) {
	defer func() {
		c.close()
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "subscribe" {
			c.sendError("expected a subscribe request")
			continue
		}
		c.subscribeAudit(source, msg.AuditLogID)
	}
}

// subscribeAudit attaches the live stream first, then snapshots history, so
// no entry can fall between snapshot and attachment. Live entries already
// covered by the snapshot are filtered by sequence number.
func (c *conn) subscribeAudit(source AuditSource, jobID string) {
	topic := AuditTopic(jobID)

	c.mu.Lock()
	if c.closed || c.observers[topic] != nil {
		c.mu.Unlock()
		return
	}
	obs := c.hub.Subscribe(topic)
	c.observers[topic] = obs
	c.mu.Unlock()

	history, err := source.ListAudit(jobID, 0)
	if err != nil {
		c.sendError("audit history unavailable: " + err.Error())
		c.hub.Unsubscribe(obs)
		return
	}
	var lastSeq int64
	if len(history) > 0 {
		lastSeq = history[len(history)-1].Seq
	}
	c.sendJSON(AuditHistoryMsg{Type: TypeHistory, JobID: jobID, Entries: history})

	// A job that is already terminal emits no further live events, so the
	// stream would never close on its own; send completed right away.
	if job, err := source.GetJob(jobID); err == nil && job != nil && job.Status.Terminal() {
		c.sendJSON(AuditCompletedMsg{Type: TypeCompleted, JobID: jobID, Status: job.Status})
	}

	go func() {
		for data := range obs.C() {
			var entry AuditEntryMsg
			if err := json.Unmarshal(data, &entry); err == nil &&
				entry.Type == TypeEntry && entry.Entry.Seq <= lastSeq {
				continue
			}
			c.enqueue(data)
		}
		c.closeIfStale(topic, obs)
	}()
}

// Shutdown unblocks pending websocket writers during server teardown.
func Shutdown(ctx context.Context, hub *Hub) {
	done := make(chan struct{})
	go func() {
		hub.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
