package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/apierr"
)

// Event names an event and fixes its payload type.
type Event[T any] struct {
	Name string
}

// NewEvent declares a typed event.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{Name: name}
}

// Payloads of the events the application uses.
type (
	Notification struct {
		ID        int             `json:"id"`
		Type      string          `json:"type"`
		Title     string          `json:"titre,omitempty"`
		Message   string          `json:"message"`
		Link      string          `json:"lien,omitempty"`
		Read      bool            `json:"lu"`
		Data      json.RawMessage `json:"data,omitempty"`
		CreatedAt time.Time       `json:"createdAt"`
	}

	Activity struct {
		Action    string    `json:"action"`
		Entity    string    `json:"entity"`
		EntityID  int       `json:"entityId,omitempty"`
		UserID    int       `json:"userId,omitempty"`
		Summary   string    `json:"summary,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	Presence struct {
		UserID int       `json:"userId"`
		At     time.Time `json:"at"`
	}

	TypingEvent struct {
		UserID         int    `json:"userId"`
		ConversationID string `json:"conversationId"`
		Typing         bool   `json:"typing"`
	}

	NotificationRead struct {
		ID int `json:"id"`
	}
)

var (
	NotificationNew  = NewEvent[Notification]("notification:new")
	NotificationMark = NewEvent[NotificationRead]("notification:read")
	ActivityFeed     = NewEvent[Activity]("admin:activity")
	PresenceOnline   = NewEvent[Presence]("user:online")
	PresenceOffline  = NewEvent[Presence]("user:offline")
	Typing           = NewEvent[TypingEvent]("user:typing")
)

// Subscribe registers fn for ev. Payloads that do not decode as T are
// reported through the channel's error hooks and skipped.
func Subscribe[T any](c *Channel, ev Event[T], fn func(T)) *Listener {
	return c.On(ev.Name, func(data json.RawMessage) {
		var v T
		if len(data) > 0 {
			if err := json.Unmarshal(data, &v); err != nil {
				c.log.Warn("realtime payload", "event", ev.Name, "err", err)
				c.emitError(apierr.Wrap(apierr.KindValidation, "decode "+ev.Name, err))
				return
			}
		}
		fn(v)
	})
}

// Publish emits ev with v.
func Publish[T any](c *Channel, ev Event[T], v T) error {
	return c.Emit(ev.Name, v)
}

// Request emits ev with v and decodes the ack as R.
func Request[T, R any](ctx context.Context, c *Channel, ev Event[T], v T, timeout time.Duration) (R, error) {
	var out R
	data, err := c.EmitWithAck(ctx, ev.Name, v, timeout)
	if err != nil {
		return out, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return out, apierr.Wrap(apierr.KindServer, "decode ack for "+ev.Name, err)
		}
	}
	return out, nil
}
