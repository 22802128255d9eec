package api

import (
	"context"
	"time"

	"github.com/deployd/agent/internal/events"
	"github.com/deployd/agent/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBacklog    = 20
)

// DashboardWebSocket pushes agent events to connected dashboards
type DashboardWebSocket struct {
	bus      *events.EventBus
	upgrader websocket.Upgrader

	clients    map[*streamClient]bool
	broadcast  chan events.Event
	register   chan *streamClient
	unregister chan *streamClient
	done       chan struct{}
}

type streamClient struct {
	conn       *websocket.Conn
	deployment string
	send       chan events.Event
}

// NewDashboardWebSocket creates a new dashboard event stream and subscribes
// it to every event type on bus.
func NewDashboardWebSocket(bus *events.EventBus, origins []string) *DashboardWebSocket {
	ws := &DashboardWebSocket{
		bus:        bus,
		upgrader:   createUpgrader(allowsAnyOrigin(origins), origins...),
		clients:    make(map[*streamClient]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		done:       make(chan struct{}),
	}
	for _, t := range events.AllEventTypes {
		bus.Subscribe(t, ws.PublishEvent)
	}
	return ws
}

// Run starts the stream manager until ctx is done
func (ws *DashboardWebSocket) Run(ctx context.Context) {
	logger.Debug("DashboardWebSocket: Starting event stream", nil)
	defer close(ws.done)

	for {
		select {
		case client := <-ws.register:
			ws.clients[client] = true
			logger.Debug("DashboardWebSocket: Client connected", map[string]interface{}{
				"total_clients": len(ws.clients),
			})

		case client := <-ws.unregister:
			if _, ok := ws.clients[client]; ok {
				delete(ws.clients, client)
				close(client.send)
			}

		case event := <-ws.broadcast:
			for client := range ws.clients {
				if client.deployment != "" && client.deployment != event.Deployment {
					continue
				}
				select {
				case client.send <- event:
				default:
					// Slow consumer
					delete(ws.clients, client)
					close(client.send)
				}
			}

		case <-ctx.Done():
			for client := range ws.clients {
				delete(ws.clients, client)
				close(client.send)
			}
			logger.Debug("DashboardWebSocket: Shutting down", nil)
			return
		}
	}
}

// PublishEvent queues an event for every connected client
func (ws *DashboardWebSocket) PublishEvent(event events.Event) {
	select {
	case ws.broadcast <- event:
	default:
		logger.Warn("DashboardWebSocket: Broadcast channel full, dropping event", map[string]interface{}{
			"event_type": event.Type,
		})
	}
}

// HandleConnection handles GET /api/events/stream?deployment=
func (ws *DashboardWebSocket) HandleConnection(c *gin.Context) {
	deployment := c.Query("deployment")

	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("DashboardWebSocket: Failed to upgrade connection", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &streamClient{
		conn:       conn,
		deployment: deployment,
		send:       make(chan events.Event, 64),
	}

	// Recent history first so a fresh dashboard is not empty
	backlog, err := ws.bus.Query(events.EventFilters{Deployment: deployment, Limit: streamBacklog})
	if err != nil {
		logger.Warn("DashboardWebSocket: Failed to load recent events", map[string]interface{}{
			"error": err.Error(),
		})
	}
	for i := len(backlog) - 1; i >= 0; i-- {
		client.send <- backlog[i]
	}

	select {
	case ws.register <- client:
	case <-ws.done:
		conn.Close()
		return
	}
	go ws.writePump(client)
	ws.readPump(client)
}

// readPump discards client frames and tracks liveness
func (ws *DashboardWebSocket) readPump(client *streamClient) {
	defer func() {
		select {
		case ws.unregister <- client:
		case <-ws.done:
		}
	}()

	client.conn.SetReadLimit(512)
	_ = client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("DashboardWebSocket: Unexpected close error", map[string]interface{}{
					"error": err.Error(),
				})
			}
			return
		}
	}
}

// writePump owns every write to the connection
func (ws *DashboardWebSocket) writePump(client *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
