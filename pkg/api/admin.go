package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/dispatch"
	"github.com/ckoval7/challengectl/pkg/freq"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/go-chi/chi/v5"
)

type challengeView struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Modulation        string    `json:"modulation"`
	Priority          int       `json:"priority"`
	Enabled           bool      `json:"enabled"`
	Status            string    `json:"status"`
	AssignedTo        string    `json:"assigned_to,omitempty"`
	AssignmentExpires time.Time `json:"assignment_expires,omitzero"`
	LastTxTime        time.Time `json:"last_tx_time,omitzero"`
	NextTxTime        time.Time `json:"next_tx_time,omitzero"`
	TransmissionCount int64     `json:"transmission_count"`
}

func viewChallenge(c *types.Challenge) *challengeView {
	v := &challengeView{
		ID:                c.ID,
		Name:              c.Name,
		Priority:          c.Priority,
		Enabled:           c.Enabled,
		Status:            string(c.Status),
		AssignedTo:        c.AssignedTo,
		AssignmentExpires: c.AssignmentExpires,
		LastTxTime:        c.LastTxTime,
		NextTxTime:        c.NextTxTime,
		TransmissionCount: c.TransmissionCount,
	}
	if c.Config != nil {
		v.Modulation = c.Config.Modulation
	}
	return v
}

func (s *Server) handleListChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := s.store.ListChallenges()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*challengeView, 0, len(challenges))
	for _, c := range challenges {
		out = append(out, viewChallenge(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	runners, err := s.store.ListRunners()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]*runnerView, 0, len(runners))
	for _, runner := range runners {
		out = append(out, viewRunner(runner))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Trigger(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Enable(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Disable(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Pause(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Resume(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

type reloadEntry struct {
	Name       string          `json:"name"`
	Modulation string          `json:"modulation"`
	Frequency  *freq.Spec      `json:"frequency"`
	Files      []string        `json:"files,omitempty"`
	MinDelay   int             `json:"delay_min"`
	MaxDelay   int             `json:"delay_max"`
	Priority   int             `json:"priority,omitempty"`
	Enabled    bool            `json:"enabled"`
	PublicView bool            `json:"public_view,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type reloadResponse struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var entries []*reloadEntry
	if err := decodeJSON(r, &entries); err != nil {
		s.writeError(w, r, err)
		return
	}
	defs := make([]*dispatch.ChallengeDefinition, 0, len(entries))
	for _, e := range entries {
		defs = append(defs, &dispatch.ChallengeDefinition{
			Name:     e.Name,
			Priority: e.Priority,
			Enabled:  e.Enabled,
			Config: &types.ChallengeConfig{
				Modulation: e.Modulation,
				Frequency:  e.Frequency,
				Files:      e.Files,
				MinDelay:   e.MinDelay,
				MaxDelay:   e.MaxDelay,
				Params:     e.Params,
				PublicView: e.PublicView,
			},
		})
	}
	added, updated, err := s.dispatcher.Reload(defs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, reloadResponse{Added: added, Updated: updated})
}

// DashboardStats is the aggregate view served to operators and, when
// enabled, the public.
type DashboardStats struct {
	Challenges    map[string]int `json:"challenges"`
	Runners       map[string]int `json:"runners,omitempty"`
	Transmissions map[string]int `json:"transmissions"`
	Paused        bool           `json:"paused"`
}

func (s *Server) dashboardStats(publicOnly bool) (*DashboardStats, error) {
	stats := &DashboardStats{
		Challenges:    map[string]int{},
		Transmissions: map[string]int{},
	}

	challenges, err := s.store.ListChallenges()
	if err != nil {
		return nil, err
	}
	visible := make(map[string]bool, len(challenges))
	for _, c := range challenges {
		if publicOnly && (c.Config == nil || !c.Config.PublicView) {
			continue
		}
		visible[c.ID] = true
		stats.Challenges[string(c.Status)]++
	}

	txs, err := s.store.ListTransmissions()
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		if publicOnly && !visible[t.ChallengeID] {
			continue
		}
		stats.Transmissions[string(t.Status)]++
	}

	if !publicOnly {
		stats.Runners = map[string]int{}
		runners, err := s.store.ListRunners()
		if err != nil {
			return nil, err
		}
		for _, r := range runners {
			stats.Runners[string(r.Status)]++
		}
	}

	paused, err := s.dispatcher.Paused()
	if err != nil {
		return nil, err
	}
	stats.Paused = paused
	return stats, nil
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	publicOnly := p.Kind != auth.KindAdmin
	if publicOnly && !s.cfg.PublicDashboard {
		s.writeError(w, r, auth.ErrAuthFailed)
		return
	}
	stats, err := s.dashboardStats(publicOnly)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
