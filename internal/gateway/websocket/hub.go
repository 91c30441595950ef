// Package websocket pushes task lifecycle and version-change events from the
// event bus to connected clients. Progress snapshots (current step, output
// lines) are not pushed.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fleetops/appcontrol/internal/common/logger"
	"github.com/fleetops/appcontrol/internal/events"
	"github.com/fleetops/appcontrol/internal/events/bus"
)

// Push is the envelope sent to clients.
type Push struct {
	Type      string      `json:"type"`
	TaskID    string      `json:"task_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub fans event bus messages out to WebSocket clients. Clients may
// subscribe to specific task IDs; unsubscribed clients receive everything.
type Hub struct {
	clients     map[*Client]bool
	taskClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Push

	subscription bus.Subscription
	mu           sync.RWMutex
	logger       *logger.Logger
}

// NewHub creates a hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		taskClients: make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Push, 256),
		logger:      log.WithFields(zap.String("component", "websocket-hub")),
	}
}

// AttachBus subscribes the hub to task lifecycle and version events.
func (h *Hub) AttachBus(eventBus bus.EventBus) error {
	handler := func(ctx context.Context, event *bus.Event) error {
		taskID, _ := event.Data["task_id"].(string)
		h.Broadcast(&Push{
			Type:      event.Type,
			TaskID:    taskID,
			Payload:   event.Data,
			Timestamp: event.Timestamp,
		})
		return nil
	}

	sub, err := eventBus.Subscribe(events.TaskWildcardSubject, handler)
	if err != nil {
		return err
	}
	h.subscription = sub
	if _, err := eventBus.Subscribe(events.VersionChanged, handler); err != nil {
		return err
	}
	return nil
}

// Broadcast queues a push for delivery. Drops the push when the hub is
// saturated rather than blocking the producer.
func (h *Hub) Broadcast(push *Push) {
	select {
	case h.broadcast <- push:
	default:
		h.logger.Warn("broadcast queue full, dropping push", zap.String("type", push.Type))
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.taskClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case push := <-h.broadcast:
			h.deliver(push)
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for taskID := range client.taskIDs {
		if clients, ok := h.taskClients[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskClients, taskID)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// deliver routes a push: clients subscribed to its task, plus firehose
// clients with no subscriptions.
func (h *Hub) deliver(push *Push) {
	data, err := json.Marshal(push)
	if err != nil {
		h.logger.Error("failed to marshal push", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.mu.RLock()
		interested := len(client.taskIDs) == 0 || (push.TaskID != "" && client.taskIDs[push.TaskID])
		client.mu.RUnlock()
		if !interested {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow client; drop the push instead of stalling the hub.
		}
	}
}

// subscribeTask registers a client's interest in a task.
func (h *Hub) subscribeTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.taskClients[taskID] == nil {
		h.taskClients[taskID] = make(map[*Client]bool)
	}
	h.taskClients[taskID][client] = true

	client.mu.Lock()
	client.taskIDs[taskID] = true
	client.mu.Unlock()
}
