package mockapi

import (
	"encoding/json"
	"time"

	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/realtime"
	"github.com/Amazighiahub/actionCultureDZ-sub005/internal/ws"
)

func (s *Server) registerHub() {
	s.hub.Handle("ping", func(c *ws.Conn, f *ws.Frame) {
		if f.ID != nil {
			ws.SendAck(c, *f.ID, ws.OkResponse{OK: true, Msg: "pong"})
		}
	})

	s.hub.Handle("echo", func(c *ws.Conn, f *ws.Frame) {
		if f.ID != nil {
			ws.SendAck(c, *f.ID, f.Data)
		}
	})

	s.hub.Handle(realtime.Typing.Name, func(c *ws.Conn, f *ws.Frame) {
		var ev realtime.TypingEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			ws.SendEvent(c, ws.EventError, ws.ErrorPayload{Msg: "invalid typing payload"})
			return
		}
		// The sender cannot speak for someone else.
		ev.UserID = c.UserID()
		s.hub.BroadcastExcept(c, realtime.Typing.Name, ev)
	})

	s.hub.Handle(realtime.NotificationMark.Name, func(c *ws.Conn, f *ws.Frame) {
		var req realtime.NotificationRead
		if err := json.Unmarshal(f.Data, &req); err != nil || req.ID == 0 {
			if f.ID != nil {
				ws.SendAck(c, *f.ID, ws.OkResponse{OK: false, Msg: "notification id required"})
			}
			return
		}
		found := s.markRead(c.UserID(), req.ID)
		if f.ID == nil {
			return
		}
		if !found {
			ws.SendAck(c, *f.ID, ws.OkResponse{OK: false, Msg: "notification not found"})
			return
		}
		ws.SendAck(c, *f.ID, ws.OkResponse{OK: true})
	})

	s.hub.HandleConnect(s.userOnline)
	s.hub.OnDisconnect(s.userOffline)
}

// userOnline announces a user when their first connection authenticates.
func (s *Server) userOnline(c *ws.Conn) {
	id := c.UserID()
	s.mu.Lock()
	if _, seen := s.present[c]; seen {
		s.mu.Unlock()
		return
	}
	first := s.countPresentLocked(id) == 0
	s.present[c] = id
	s.mu.Unlock()

	if first {
		s.hub.Broadcast(realtime.PresenceOnline.Name, realtime.Presence{UserID: id, At: time.Now().UTC()})
	}
}

// userOffline announces a user when their last connection goes away.
func (s *Server) userOffline(c *ws.Conn) {
	s.mu.Lock()
	id, ok := s.present[c]
	delete(s.present, c)
	last := ok && s.countPresentLocked(id) == 0
	s.mu.Unlock()

	if last {
		s.hub.Broadcast(realtime.PresenceOffline.Name, realtime.Presence{UserID: id, At: time.Now().UTC()})
	}
}

func (s *Server) countPresentLocked(userID int) int {
	n := 0
	for _, id := range s.present {
		if id == userID {
			n++
		}
	}
	return n
}
