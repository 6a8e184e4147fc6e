// Package bridge reaches device capabilities on the user's Mattermost client.
// Requests go out as websocket events addressed to a single user and replies
// come back through the plugin's HTTP API, correlated by request id.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/mattermost/mattermost/server/public/model"

	"github.com/mattermost/mattermost-plugin-safety/server/capability"
	"github.com/mattermost/mattermost-plugin-safety/server/logging"
)

// Websocket events sent to the client. The server prefixes them with
// custom_<pluginID>_.
const (
	EventGeolocationRequest = "geolocation_request"
	EventMicAcquire         = "mic_acquire"
	EventMicRecord          = "mic_record"
	EventMicRelease         = "mic_release"
)

// ErrUnknownRequest is returned when a reply does not match a pending request
// of the replying user.
var ErrUnknownRequest = errors.New("unknown or expired request")

// Publisher sends websocket events. plugin.API satisfies it.
type Publisher interface {
	PublishWebSocketEvent(event string, payload map[string]any, broadcast *model.WebsocketBroadcast)
}

// Reply is a client's answer to a request
type Reply struct {
	RequestID string   `json:"request_id"`
	Granted   bool     `json:"granted"`
	Error     string   `json:"error,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Accuracy  float64  `json:"accuracy,omitempty"`

	// Audio is set for recording uploads, which arrive as multipart bodies
	Audio []byte `json:"-"`
}

// Denied wraps capability.ErrPermissionDenied with the client's reason
func (r Reply) Denied() error {
	if r.Error == "" {
		return capability.ErrPermissionDenied
	}
	return fmt.Errorf("%w: %s", capability.ErrPermissionDenied, r.Error)
}

// Pending is an outstanding request. Releasing it stops accepting replies.
type Pending struct {
	*capability.OnceLease
	ID      string
	replies chan Reply
}

// Wait blocks until the client replies or ctx is done. A deadline maps to
// capability.ErrUnavailable.
func (p *Pending) Wait(ctx context.Context) (Reply, error) {
	select {
	case reply := <-p.replies:
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w: no reply to request %s", capability.ErrUnavailable, p.ID)
		}
		return Reply{}, ctx.Err()
	}
}

type pendingEntry struct {
	userID  string
	replies chan Reply
}

// Broker tracks requests awaiting a reply
type Broker struct {
	publisher Publisher
	logger    logging.Logger

	mu      sync.Mutex
	pending map[string]pendingEntry
}

// NewBroker creates a Broker
func NewBroker(publisher Publisher, logger logging.Logger) *Broker {
	return &Broker{
		publisher: publisher,
		logger:    logger,
		pending:   make(map[string]pendingEntry),
	}
}

// Open registers a request and publishes event to userID. The caller must
// release the returned Pending.
func (b *Broker) Open(_ context.Context, userID, event string, payload map[string]any) (*Pending, error) {
	if userID == "" {
		return nil, errors.New("user ID is required")
	}

	id := uuid.NewString()
	replies := make(chan Reply, 1)

	b.mu.Lock()
	b.pending[id] = pendingEntry{userID: userID, replies: replies}
	b.mu.Unlock()

	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["request_id"] = id

	b.publisher.PublishWebSocketEvent(event, data, &model.WebsocketBroadcast{UserId: userID})
	b.logger.Debug("Published bridge request", "userID", userID, "event", event, "requestID", id)

	return &Pending{
		OnceLease: capability.NewLease(func() { b.forget(id) }),
		ID:        id,
		replies:   replies,
	}, nil
}

// Request publishes event and waits for the reply
func (b *Broker) Request(ctx context.Context, userID, event string, payload map[string]any) (Reply, error) {
	var reply Reply
	err := capability.Use(ctx,
		func(ctx context.Context) (*Pending, error) { return b.Open(ctx, userID, event, payload) },
		func(p *Pending) error {
			var err error
			reply, err = p.Wait(ctx)
			return err
		})
	return reply, err
}

// Notify publishes an event that expects no reply
func (b *Broker) Notify(userID, event string, payload map[string]any) {
	b.publisher.PublishWebSocketEvent(event, payload, &model.WebsocketBroadcast{UserId: userID})
}

// Deliver hands a reply from userID to the matching pending request
func (b *Broker) Deliver(userID string, reply Reply) error {
	b.mu.Lock()
	entry, ok := b.pending[reply.RequestID]
	if ok && entry.userID == userID {
		delete(b.pending, reply.RequestID)
	}
	b.mu.Unlock()

	if !ok || entry.userID != userID {
		return ErrUnknownRequest
	}

	// Buffered with capacity one and removed from the map above, so this
	// never blocks.
	entry.replies <- reply
	return nil
}

// PendingCount returns the number of outstanding requests
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}
