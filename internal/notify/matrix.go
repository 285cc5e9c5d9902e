// ABOUTME: Matrix delivery of share-link notifications via mautrix
// ABOUTME: Messages are queued and sent by a background worker

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const (
	matrixQueueSize   = 64
	matrixSendTimeout = 30 * time.Second
)

// MatrixConfig is the subset of notification config the notifier needs.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

// MatrixNotifier posts events as text messages to one room.
type MatrixNotifier struct {
	client *mautrix.Client
	room   id.RoomID
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewMatrixNotifier creates the client and starts the send worker.
func NewMatrixNotifier(cfg MatrixConfig, logger *slog.Logger) (*MatrixNotifier, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	n := &MatrixNotifier{
		client: client,
		room:   id.RoomID(cfg.RoomID),
		logger: logger.With("component", "notify.matrix"),
		queue:  make(chan Event, matrixQueueSize),
		done:   make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Notify enqueues e. When the queue is full the event is dropped and logged.
func (n *MatrixNotifier) Notify(_ context.Context, e Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Warn("notification queue full, dropping event", "kind", e.Kind, "share_id", e.ShareID)
	}
}

// Close drains queued events and stops the worker.
func (n *MatrixNotifier) Close() error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
	return nil
}

func (n *MatrixNotifier) run() {
	defer close(n.done)
	for e := range n.queue {
		n.send(e)
	}
}

func (n *MatrixNotifier) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), matrixSendTimeout)
	defer cancel()
	if _, err := n.client.SendText(ctx, n.room, e.Text()); err != nil {
		n.logger.Error("failed to send notification", "room", n.room.String(), "kind", e.Kind, "error", err)
		return
	}
	n.logger.Debug("sent notification", "kind", e.Kind, "share_id", e.ShareID)
}
