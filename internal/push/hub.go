// Package push fans queue items out to users over websockets
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/austindbirch/pallet_sync/internal/auth"
	"github.com/austindbirch/pallet_sync/internal/delivery"
	"github.com/austindbirch/pallet_sync/internal/domain"
	"github.com/austindbirch/pallet_sync/internal/logging"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Message is what a connected client receives
type Message struct {
	ID      string    `json:"id"`
	TaskID  string    `json:"task_id,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

type Hub struct {
	mu           sync.RWMutex
	conns        map[string]map[*websocket.Conn]struct{}
	writeTimeout time.Duration
	logger       *logging.Logger
}

func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.New("palletsync-push")
	}
	return &Hub{
		conns:        make(map[string]map[*websocket.Conn]struct{}),
		writeTimeout: 5 * time.Second,
		logger:       logger,
	}
}

func userKey(u string) string { return strings.ToLower(strings.TrimSpace(u)) }

// ServeHTTP upgrades the request and keeps the connection registered until the
// client goes away. The user is the authenticated subject, or ?user= when the
// route is mounted without auth.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.GetSubjectFromContext(r.Context())
	if !ok || user == "" {
		user = r.URL.Query().Get("user")
	}
	if userKey(user) == "" {
		http.Error(w, "user required", http.StatusBadRequest)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Plain().WithError(err).WithField("user", user).Warn("websocket accept failed")
		return
	}
	h.add(user, c)
	defer h.remove(user, c)
	h.logger.Plain().WithField("user", user).Debug("push client connected")

	// Clients never send; CloseRead handles control frames and ends ctx on close
	ctx := c.CloseRead(r.Context())
	<-ctx.Done()
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) add(user string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := userKey(user)
	if h.conns[k] == nil {
		h.conns[k] = make(map[*websocket.Conn]struct{})
	}
	h.conns[k][c] = struct{}{}
}

func (h *Hub) remove(user string, c *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := userKey(user)
	delete(h.conns[k], c)
	if len(h.conns[k]) == 0 {
		delete(h.conns, k)
	}
}

// Connected counts open connections for user
func (h *Hub) Connected(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userKey(user)])
}

// Send writes the item to every open connection of the recipient. It succeeds
// when at least one write does; with nobody connected the item stays queued.
func (h *Hub) Send(ctx context.Context, item domain.QueueItem) error {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[userKey(item.Recipient)]))
	for c := range h.conns[userKey(item.Recipient)] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s has no open push connection", delivery.ErrNoRecipient, item.Recipient)
	}

	msg := Message{ID: item.ID, TaskID: item.TaskID, Subject: item.Subject, Body: item.Body, SentAt: time.Now().UTC()}
	var errs []error
	for _, c := range targets {
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := wsjson.Write(wctx, c, msg)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return fmt.Errorf("push to %s: %w", item.Recipient, errors.Join(errs...))
	}
	return nil
}

var _ delivery.Sender = (*Hub)(nil)
