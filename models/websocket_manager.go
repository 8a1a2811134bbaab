package models

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsRegistration pairs a new client with its initial snapshot. The
// snapshot is written by the manager goroutine, never the HTTP handler:
// gorilla/websocket forbids concurrent writers on one conn, and once a
// client is in the broadcast map only the manager may write to it.
type wsRegistration struct {
	conn    *websocket.Conn
	initial []byte
}

// WebSocketManager handles WebSocket connections and broadcasts
type WebSocketManager struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan wsRegistration
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewWebSocketManager creates a new WebSocket manager
func NewWebSocketManager() *WebSocketManager {
	return &WebSocketManager{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan wsRegistration),
		unregister: make(chan *websocket.Conn),
	}
}

// Start begins the WebSocket manager
func (wsm *WebSocketManager) Start() {
	go func() {
		for {
			select {
			case reg := <-wsm.register:
				if reg.initial != nil {
					if err := reg.conn.WriteMessage(websocket.TextMessage, reg.initial); err != nil {
						log.Warn().Err(err).Msg("Failed to send initial snapshot")
						reg.conn.Close()
						continue
					}
				}
				wsm.mu.Lock()
				wsm.clients[reg.conn] = true
				total := len(wsm.clients)
				wsm.mu.Unlock()
				log.Debug().Int("clients", total).Msg("WebSocket client connected")
			case client := <-wsm.unregister:
				wsm.mu.Lock()
				if _, ok := wsm.clients[client]; ok {
					delete(wsm.clients, client)
					client.Close()
				}
				total := len(wsm.clients)
				wsm.mu.Unlock()
				log.Debug().Int("clients", total).Msg("WebSocket client disconnected")
			case message := <-wsm.broadcast:
				wsm.mu.Lock()
				for client := range wsm.clients {
					if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
						log.Warn().Err(err).Msg("Dropping unresponsive WebSocket client")
						client.Close()
						delete(wsm.clients, client)
					}
				}
				wsm.mu.Unlock()
			}
		}
	}()
}

// BroadcastJobUpdate sends a job status transition to all connected clients
func (wsm *WebSocketManager) BroadcastJobUpdate(job *Job) {
	update := map[string]any{
		"type":     "job_update",
		"job_id":   job.ID,
		"job_type": job.Type,
		"status":   job.Status,
		"progress": job.Progress,
		"attempts": job.Attempts,
	}
	if job.Status == StatusFailed && job.Error != nil {
		update["error"] = job.Error
	}
	wsm.send(update)
}

// BroadcastProgress sends a mid-flight progress update for a running job
func (wsm *WebSocketManager) BroadcastProgress(jobID string, progress int) {
	wsm.send(map[string]any{
		"type":     "job_progress",
		"job_id":   jobID,
		"progress": progress,
	})
}

func (wsm *WebSocketManager) send(update map[string]any) {
	jsonData, err := json.Marshal(update)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal WebSocket update")
		return
	}
	select {
	case wsm.broadcast <- jsonData:
	default:
		// A full broadcast buffer means no one is draining; drop rather
		// than block the queue's transition path.
	}
}

// RegisterClient hands a new client to the manager goroutine, which
// writes the initial snapshot (if any) before subscribing the client to
// broadcasts.
func (wsm *WebSocketManager) RegisterClient(conn *websocket.Conn, initial []byte) {
	wsm.register <- wsRegistration{conn: conn, initial: initial}
}

// UnregisterClient unregisters a WebSocket client
func (wsm *WebSocketManager) UnregisterClient(conn *websocket.Conn) {
	wsm.unregister <- conn
}
