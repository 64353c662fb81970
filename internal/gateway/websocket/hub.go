// Package websocket provides the real-time gateway: per-agent rooms fed by
// the event bus.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdev/agentd/internal/common/logger"
	"github.com/agentdev/agentd/internal/events"
	"github.com/agentdev/agentd/internal/events/bus"
	"github.com/agentdev/agentd/pkg/ws"
)

// Hub manages all WebSocket client connections and their room memberships.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to specific agents, keyed by agent id
	agentSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	eventBus bus.EventBus
	busSub   bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		agentSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		eventBus:         eventBus,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop and attaches it to the bus.
// Every event it forwards was already persisted by the streaming service.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	sub, err := h.eventBus.Subscribe(events.AllAgentsSubject, h.handleBusEvent)
	if err != nil {
		h.logger.Error("failed to subscribe to agent events", zap.Error(err))
	} else {
		h.busSub = sub
		defer func() { _ = h.busSub.Unsubscribe() }()
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// handleBusEvent forwards one persisted agent event to its room.
func (h *Hub) handleBusEvent(ctx context.Context, event *bus.Event) error {
	agentID := agentIDFromEvent(event)
	if agentID == "" {
		return nil
	}
	msg, err := ws.NewNotification(event.Type, event.Data)
	if err != nil {
		return err
	}
	h.BroadcastToAgent(agentID, msg)
	return nil
}

// agentIDFromEvent extracts the agent id from an event payload.
func agentIDFromEvent(event *bus.Event) string {
	if id, ok := event.Data["agentId"].(string); ok {
		return id
	}
	// agent:created carries the full agent record instead.
	if agent, ok := event.Data["agent"].(map[string]any); ok {
		if id, ok := agent["id"].(string); ok {
			return id
		}
	}
	// On the in-memory bus the agent is still a *models.Agent value (over
	// NATS it arrives decoded as a map, handled above); fall back to a JSON probe.
	if raw, ok := event.Data["agent"]; ok {
		if data, err := json.Marshal(raw); err == nil {
			var probe struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(data, &probe) == nil {
				return probe.ID
			}
		}
	}
	return ""
}

// closeAllClients closes all client connections
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.agentSubscribers = make(map[string]map[*Client]bool)
}

// removeClient removes a client from the hub and all its rooms.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()

		for agentID := range client.subscriptions {
			if clients, ok := h.agentSubscribers[agentID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.agentSubscribers, agentID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToAgent sends a notification to clients in an agent's room.
func (h *Hub) BroadcastToAgent(agentID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.agentSubscribers[agentID]))
	for client := range h.agentSubscribers[agentID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.sendBytes(data)
	}
}

// Subscribe adds a client to an agent's room.
func (h *Hub) Subscribe(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentSubscribers[agentID]; !ok {
		h.agentSubscribers[agentID] = make(map[*Client]bool)
	}
	h.agentSubscribers[agentID][client] = true
	client.subscriptions[agentID] = true

	h.logger.Debug("Client subscribed to agent",
		zap.String("client_id", client.ID),
		zap.String("agent_id", agentID))
}

// Unsubscribe removes a client from an agent's room.
func (h *Hub) Unsubscribe(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, agentID)
	if clients, ok := h.agentSubscribers[agentID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentSubscribers, agentID)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Room-membership plane keyed by client id (streaming.Rooms).

func (h *Hub) findClient(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.ID == clientID {
			return client
		}
	}
	return nil
}

// SubscribeToAgent adds the identified client to an agent's room.
func (h *Hub) SubscribeToAgent(clientID, agentID string) {
	if client := h.findClient(clientID); client != nil {
		h.Subscribe(client, agentID)
	}
}

// UnsubscribeFromAgent removes the identified client from an agent's room.
func (h *Hub) UnsubscribeFromAgent(clientID, agentID string) {
	if client := h.findClient(clientID); client != nil {
		h.Unsubscribe(client, agentID)
	}
}

// UnsubscribeClient removes the identified client from every room.
func (h *Hub) UnsubscribeClient(clientID string) {
	client := h.findClient(clientID)
	if client == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for agentID := range client.subscriptions {
		delete(client.subscriptions, agentID)
		if clients, ok := h.agentSubscribers[agentID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.agentSubscribers, agentID)
			}
		}
	}
}
