package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

// MaxInput bounds one input message.
const MaxInput = 4096

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is a client request.
type Message struct {
	Type    string                  `json:"type"`
	Thread  string                  `json:"thread,omitempty"`
	Text    string                  `json:"text,omitempty"`
	Request *service.SyscallRequest `json:"request,omitempty"`
}

// Handler manages console sessions.
type Handler struct {
	host    *service.Host
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewHandler creates a console handler. metrics may be nil.
func NewHandler(host *service.Host, metrics *monitoring.Metrics, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{host: host, metrics: metrics, log: log}
}

// conn serialises writes; gorilla allows one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(data)
}

func (c *conn) sendError(msg string) error {
	return c.send(map[string]any{
		"type":      "error",
		"message":   msg,
		"timestamp": time.Now().Unix(),
	})
}

// HandleConnection upgrades the request and runs a console session until
// the client disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(MaxInput * 4)

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := &conn{ws: ws}
	sid, backlog, output, err := h.host.Subscribe(ctx)
	if err != nil {
		out.sendError(err.Error())
		return
	}
	log := h.log.With(zap.String("session", sid.String()))
	out.send(map[string]any{
		"type":     "system",
		"session":  sid.String(),
		"instance": h.host.ID().String(),
		"console":  backlog,
	})
	log.Info("Console session opened")

	go func() {
		for chunk := range output {
			if err := out.send(map[string]any{"type": "output", "content": chunk}); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			log.Info("Console session closed", zap.Error(err))
			return
		}
		start := time.Now()
		err := h.handle(ctx, out, msg)
		h.record(msg.Type, err, time.Since(start))
		if err != nil {
			out.sendError(err.Error())
		}
	}
}

func (h *Handler) handle(ctx context.Context, out *conn, msg Message) error {
	switch msg.Type {
	case "input":
		return h.input(ctx, msg)
	case "syscall":
		if msg.Request == nil {
			return fmt.Errorf("syscall needs a request")
		}
		reply, err := h.host.Syscall(ctx, *msg.Request)
		if err != nil {
			return err
		}
		return out.send(map[string]any{"type": "reply", "reply": reply})
	case "ping":
		return out.send(map[string]any{"type": "pong"})
	}
	return fmt.Errorf("unknown message type %q", msg.Type)
}

// input prints text one character at a time through the debug console.
func (h *Handler) input(ctx context.Context, msg Message) error {
	if len(msg.Text) > MaxInput {
		return fmt.Errorf("input of %d bytes exceeds %d", len(msg.Text), MaxInput)
	}
	for i := 0; i < len(msg.Text); i++ {
		_, err := h.host.Syscall(ctx, service.SyscallRequest{
			Thread:  msg.Thread,
			Syscall: abi.SysDebugPutChar.String(),
			Cap:     abi.CPtr(msg.Text[i]),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) record(kind string, err error, d time.Duration) {
	if h.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordServiceCall("console", kind, status, d)
}
