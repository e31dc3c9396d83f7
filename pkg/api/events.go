package api

import (
	"net/http"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/metrics"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the admin UI origin; bearer clients
	// have no Origin header at all.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEvents upgrades to a websocket, sends a one-shot initial-state
// snapshot, then streams future events. Delivery is best-effort: a slow
// consumer misses events rather than backing up the broker.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	publicOnly := p.Kind != auth.KindAdmin && p.Kind != auth.KindRunner
	if publicOnly && !s.cfg.PublicDashboard {
		s.writeError(w, r, auth.ErrAuthFailed)
		return
	}

	stats, err := s.dashboardStats(publicOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	defer conn.Close()

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)
	metrics.EventSubscribers.Inc()
	defer metrics.EventSubscribers.Dec()

	// Reconnecting subscribers get only future events plus this snapshot.
	snapshot := &types.Event{
		ID:        uuid.New().String(),
		Type:      events.EventInitialState,
		Timestamp: time.Now(),
		Data:      map[string]string{},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(struct {
		*types.Event
		State *DashboardStats `json:"state"`
	}{snapshot, stats}); err != nil {
		return
	}

	// Discard inbound frames but notice the peer going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
