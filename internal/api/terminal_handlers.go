package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/deployd/agent/internal/service"
	"github.com/deployd/agent/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	terminalWriteWait  = 10 * time.Second
	terminalReadBuffer = 32 * 1024
)

// terminalControl is a text frame sent by the client
type terminalControl struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Rows  uint   `json:"rows,omitempty"`
	Cols  uint   `json:"cols,omitempty"`
}

var authSuccessFrame = []byte(`{"type":"auth_success"}`)

// TerminalHandler serves interactive shells over websocket
type TerminalHandler struct {
	terminals *service.TerminalService
	upgrader  websocket.Upgrader
}

// NewTerminalHandler creates a new terminal handler
func NewTerminalHandler(terminals *service.TerminalService, origins []string) *TerminalHandler {
	return &TerminalHandler{
		terminals: terminals,
		upgrader:  createUpgrader(allowsAnyOrigin(origins), origins...),
	}
}

// HandleExec handles GET /api/containers/:id/exec
// The first frame must be {"type":"auth","token":"..."}; the browser cannot
// send headers on a websocket handshake.
func (h *TerminalHandler) HandleExec(c *gin.Context) {
	containerID := c.Param("id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("TERMINAL: Failed to upgrade to WebSocket", err, map[string]interface{}{
			"container_id": containerID,
		})
		return
	}

	session := h.terminals.NewSession(containerID, c.ClientIP())
	t := &terminalConn{conn: conn, session: session}

	first, ok := t.authenticate(h.terminals.AuthTimeout())
	if !ok {
		return
	}

	if err := t.write(websocket.BinaryMessage, authSuccessFrame); err != nil {
		t.teardown(service.ResultError, websocket.CloseInternalServerErr, "")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shell, err := session.Start(ctx, first.Rows, first.Cols)
	if err != nil {
		logger.Warn("TERMINAL: Failed to start shell", map[string]interface{}{
			"container_id": containerID,
			"error":        err.Error(),
		})
		t.teardown(service.ResultShellFailed, websocket.CloseInternalServerErr, "failed to start shell")
		return
	}

	// shell -> socket
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buf := make([]byte, terminalReadBuffer)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				if werr := t.write(websocket.BinaryMessage, buf[:n]); werr != nil {
					t.teardown(service.ResultError, websocket.CloseInternalServerErr, "")
					return
				}
			}
			if err != nil {
				t.teardown(service.ResultShellExit, websocket.CloseNormalClosure, "process exited")
				return
			}
		}
	}()

	// socket -> shell
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			result := service.ResultError
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				result = service.ResultClientClose
			}
			t.teardown(result, websocket.CloseNormalClosure, "")
			break
		}

		switch msgType {
		case websocket.BinaryMessage:
			if _, err := shell.Write(data); err != nil {
				t.teardown(service.ResultShellExit, websocket.CloseNormalClosure, "process exited")
			}
		case websocket.TextMessage:
			var ctrl terminalControl
			if json.Unmarshal(data, &ctrl) != nil || ctrl.Type != "resize" {
				continue
			}
			if err := session.Resize(ctx, ctrl.Rows, ctrl.Cols); err != nil {
				logger.Debug("TERMINAL: Resize failed", map[string]interface{}{
					"container_id": containerID,
					"error":        err.Error(),
				})
			}
		}
	}

	<-outputDone
}

// terminalConn serializes writes and tears a session down once.
type terminalConn struct {
	conn    *websocket.Conn
	session *service.TerminalSession

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *terminalConn) write(msgType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(terminalWriteWait))
	return t.conn.WriteMessage(msgType, data)
}

// authenticate waits for the auth frame. On failure the socket is closed
// with a policy violation and ok is false.
func (t *terminalConn) authenticate(timeout time.Duration) (ctrl terminalControl, ok bool) {
	_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.teardown(service.ResultAuthTimeout, websocket.ClosePolicyViolation, "authentication timeout")
		} else {
			t.teardown(service.ResultClientClose, websocket.CloseNormalClosure, "")
		}
		return ctrl, false
	}
	_ = t.conn.SetReadDeadline(time.Time{})

	if msgType != websocket.TextMessage || json.Unmarshal(data, &ctrl) != nil || ctrl.Type != "auth" {
		t.teardown(service.ResultAuthFailed, websocket.ClosePolicyViolation, "authentication failed")
		return ctrl, false
	}
	if err := t.session.Authenticate(ctrl.Token); err != nil {
		t.teardown(service.ResultAuthFailed, websocket.ClosePolicyViolation, "authentication failed")
		return ctrl, false
	}
	return ctrl, true
}

// teardown closes the exec, sends a close frame and closes the socket.
// Only the first call has an effect.
func (t *terminalConn) teardown(result string, code int, reason string) {
	t.closeOnce.Do(func() {
		t.session.Close(result)

		t.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.writeMu.Unlock()

		_ = t.conn.Close()
	})
}
