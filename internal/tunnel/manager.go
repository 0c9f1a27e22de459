package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/purdue-af/cluster-session-broker/internal/k8s"
	"github.com/purdue-af/cluster-session-broker/internal/types"
	"github.com/purdue-af/cluster-session-broker/internal/watch"
	"k8s.io/klog/v2"
)

// Message types exchanged over a tunnel.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageSubscribed  = "subscribed"
	MessageEvent       = "event"
	MessageError       = "error"
	MessageClosed      = "closed"
)

// ManagerInterface defines the interface for tunnel management
type ManagerInterface interface {
	// HandleConnection upgrades the request and serves watch subscriptions
	// for the bound session until the socket closes.
	HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string, binding *types.ClusterBinding)

	// CloseTunnel closes every tunnel of a session.
	CloseTunnel(sessionID string) error
}

// reconnectAttempts bounds consecutive failures of a reconnecting subscription.
const reconnectAttempts = 5

// Manager implements the tunnel.ManagerInterface interface
type Manager struct {
	upgrader    websocket.Upgrader
	reconnector *watch.Reconnector
	tunnels     map[string]*Tunnel
	mutex       sync.RWMutex
}

// stream is a watch.Subscription or a reconnecting watch.Stream.
type stream interface {
	Next(ctx context.Context) (watch.Event, bool)
	Cancel()
	ResourceVersion() string
}

// Tunnel is one WebSocket connection multiplexing watch subscriptions.
type Tunnel struct {
	ID        string
	SessionID string
	Conn      *websocket.Conn
	Done      chan struct{}

	binding *types.ClusterBinding
	client  *http.Client
	ctx     context.Context

	mutex         sync.Mutex
	subscriptions map[string]stream
	subMutex      sync.Mutex
	closeOnce     sync.Once
}

// EventPayload is the payload of an "event" message.
type EventPayload struct {
	Type   watch.EventType        `json:"type"`
	Object map[string]interface{} `json:"object"`
}

// NewManager creates a new tunnel manager. allowedOrigins restricts browser
// origins; an empty list accepts same-host requests only.
func NewManager(allowedOrigins []string) *Manager {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	m := &Manager{
		reconnector: watch.NewReconnector(reconnectAttempts),
		tunnels:     make(map[string]*Tunnel),
	}
	if len(allowed) > 0 {
		m.upgrader.CheckOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return m
}

// HandleConnection handles WebSocket upgrade and tunnel creation
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, sessionID string, binding *types.ClusterBinding) {
	executor, err := k8s.NewExecutor(binding)
	if err != nil {
		klog.ErrorS(err, "Failed to create cluster client for tunnel")
		http.Error(w, "Failed to create cluster client", http.StatusInternalServerError)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		klog.V(2).InfoS("WebSocket upgrade failed", "err", err.Error())
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tunnel := &Tunnel{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Conn:          conn,
		Done:          make(chan struct{}),
		binding:       binding,
		client:        executor.HTTPClient(),
		ctx:           ctx,
		subscriptions: make(map[string]stream),
	}

	m.mutex.Lock()
	m.tunnels[tunnel.ID] = tunnel
	m.mutex.Unlock()
	klog.V(2).InfoS("Tunnel opened", "tunnel", tunnel.ID, "user", binding.UserCredentialName)

	defer func() {
		m.mutex.Lock()
		delete(m.tunnels, tunnel.ID)
		m.mutex.Unlock()

		tunnel.cancelAll()
		tunnel.close()
		klog.V(2).InfoS("Tunnel closed", "tunnel", tunnel.ID)
	}()

	m.handleTunnelMessages(tunnel)
}

// CloseTunnel closes every tunnel of a session
func (m *Manager) CloseTunnel(sessionID string) error {
	m.mutex.RLock()
	var matched []*Tunnel
	for _, tunnel := range m.tunnels {
		if tunnel.SessionID == sessionID {
			matched = append(matched, tunnel)
		}
	}
	m.mutex.RUnlock()

	if len(matched) == 0 {
		return fmt.Errorf("tunnel not found")
	}
	for _, tunnel := range matched {
		tunnel.close()
	}
	return nil
}

func (t *Tunnel) close() {
	t.closeOnce.Do(func() {
		close(t.Done)
		t.Conn.Close()
	})
}

// handleTunnelMessages processes WebSocket messages
func (m *Manager) handleTunnelMessages(tunnel *Tunnel) {
	for {
		select {
		case <-tunnel.Done:
			return
		default:
			_, message, err := tunnel.Conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					klog.V(2).InfoS("WebSocket read failed", "tunnel", tunnel.ID, "err", err.Error())
				}
				return
			}

			var tunnelMsg types.TunnelMessage
			if err := json.Unmarshal(message, &tunnelMsg); err != nil {
				m.sendError(tunnel, "", fmt.Sprintf("Invalid message format: %v", err))
				continue
			}

			switch tunnelMsg.Type {
			case MessageSubscribe:
				m.handleSubscribe(tunnel, tunnelMsg.Payload)
			case MessageUnsubscribe:
				m.handleUnsubscribe(tunnel, tunnelMsg.SubscriptionID)
			default:
				m.sendError(tunnel, tunnelMsg.SubscriptionID, fmt.Sprintf("Unknown message type: %s", tunnelMsg.Type))
			}
		}
	}
}

// handleSubscribe starts a watch and forwards its events
func (m *Manager) handleSubscribe(tunnel *Tunnel, payload interface{}) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		m.sendError(tunnel, "", "Invalid subscribe payload")
		return
	}

	var req types.SubscribeRequest
	if err := json.Unmarshal(payloadBytes, &req); err != nil || req.Resource.PluralName == "" {
		m.sendError(tunnel, "", "Invalid subscribe request format")
		return
	}

	id := uuid.NewString()
	watchReq := watch.Request{
		Descriptor:      req.Resource,
		Namespace:       req.Namespace,
		ResourceVersion: req.ResourceVersion,
		LabelSelector:   req.LabelSelector,
	}
	var sub stream
	if req.Reconnect {
		sub = m.reconnector.Start(tunnel.ctx, tunnel.client, tunnel.binding, watchReq)
	} else {
		sub = watch.Subscribe(tunnel.ctx, tunnel.client, tunnel.binding, watchReq)
	}

	tunnel.subMutex.Lock()
	tunnel.subscriptions[id] = sub
	tunnel.subMutex.Unlock()

	m.sendMessage(tunnel, types.TunnelMessage{Type: MessageSubscribed, SubscriptionID: id})
	go m.forward(tunnel, id, sub)
}

// handleUnsubscribe cancels one subscription
func (m *Manager) handleUnsubscribe(tunnel *Tunnel, id string) {
	tunnel.subMutex.Lock()
	sub, exists := tunnel.subscriptions[id]
	delete(tunnel.subscriptions, id)
	tunnel.subMutex.Unlock()

	if !exists {
		m.sendError(tunnel, id, "Unknown subscription")
		return
	}
	sub.Cancel()
}

func (m *Manager) forward(tunnel *Tunnel, id string, sub stream) {
	for {
		ev, ok := sub.Next(context.Background())
		if !ok {
			break
		}
		if ev.Type == watch.Error {
			m.sendError(tunnel, id, ev.Err.Error())
			continue
		}
		m.sendMessage(tunnel, types.TunnelMessage{
			Type:           MessageEvent,
			SubscriptionID: id,
			Payload:        EventPayload{Type: ev.Type, Object: ev.Object.Object},
		})
	}

	tunnel.subMutex.Lock()
	delete(tunnel.subscriptions, id)
	tunnel.subMutex.Unlock()

	m.sendMessage(tunnel, types.TunnelMessage{
		Type:           MessageClosed,
		SubscriptionID: id,
		Payload:        map[string]string{"resource_version": sub.ResourceVersion()},
	})
}

func (t *Tunnel) cancelAll() {
	t.subMutex.Lock()
	subs := t.subscriptions
	t.subscriptions = make(map[string]stream)
	t.subMutex.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// Helper methods

func (m *Manager) sendMessage(tunnel *Tunnel, msg types.TunnelMessage) {
	tunnel.mutex.Lock()
	defer tunnel.mutex.Unlock()

	messageBytes, err := json.Marshal(msg)
	if err != nil {
		klog.ErrorS(err, "Failed to encode tunnel message", "type", msg.Type)
		return
	}

	if err := tunnel.Conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
		klog.V(4).InfoS("Failed to write tunnel message", "tunnel", tunnel.ID, "err", err.Error())
	}
}

func (m *Manager) sendError(tunnel *Tunnel, subscriptionID, errorMsg string) {
	response := types.TunnelMessage{
		Type:           MessageError,
		SubscriptionID: subscriptionID,
		Payload: map[string]string{
			"error": errorMsg,
		},
	}

	m.sendMessage(tunnel, response)
}
