package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ckoval7/challengectl/pkg/auth"
	"github.com/ckoval7/challengectl/pkg/dispatch"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
)

type enrollRequest struct {
	RunnerName string          `json:"runner_name,omitempty"`
	Hostname   string          `json:"hostname,omitempty"`
	Devices    []*types.Device `json:"devices,omitempty"`
}

type enrollResponse struct {
	RunnerID string `json:"runner_id"`
	// APIKey is returned exactly once; only its hash is stored.
	APIKey string `json:"api_key"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if p.Kind != auth.KindEnrollment {
		// A bearer that names a real but used/expired token is a
		// conflict, not an auth failure: the losing side of an
		// enrollment race must see 409.
		if err := s.enrollConflict(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeError(w, r, auth.ErrAuthFailed)
		return
	}
	var req enrollRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	runner, key, err := s.dispatcher.Enroll(&dispatch.EnrollmentRequest{
		Token:      p.EnrollmentToken.Token,
		RunnerName: req.RunnerName,
		Hostname:   req.Hostname,
		IP:         remoteIP(r),
		MAC:        r.Header.Get(auth.HeaderMAC),
		MachineID:  r.Header.Get(auth.HeaderMachineID),
		Devices:    req.Devices,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, enrollResponse{RunnerID: runner.ID, APIKey: key})
}

// enrollConflict reports ErrTokenUsed/ErrTokenExpired when the request's
// bearer names a real enrollment token that is no longer usable.
func (s *Server) enrollConflict(r *http.Request) error {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) {
		return nil
	}
	token := h[len(prefix):]

	var conflict error
	err := s.store.View(func(tx storage.Tx) error {
		et, err := tx.GetEnrollmentToken(token)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if et.Used {
			conflict = dispatch.ErrTokenUsed
		} else if et.Expired(time.Now()) {
			conflict = dispatch.ErrTokenExpired
		}
		return nil
	})
	if err != nil {
		return err
	}
	return conflict
}

type mintTokenRequest struct {
	RunnerName      string `json:"runner_name"`
	ReEnrollmentFor string `json:"re_enrollment_for,omitempty"`
	TTLSeconds      int    `json:"ttl_seconds,omitempty"`
}

type mintTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleMintToken creates a one-time enrollment token. Admin sessions
// (with CSRF) and provisioning keys may mint.
func (s *Server) handleMintToken(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	switch p.Kind {
	case auth.KindProvisioning:
	case auth.KindAdmin:
		if !auth.CheckCSRF(p, r) {
			s.writeError(w, r, ErrForbidden)
			return
		}
	default:
		s.writeError(w, r, auth.ErrAuthFailed)
		return
	}

	var req mintTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ttl := s.cfg.EnrollmentTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	createdBy := p.Username
	if p.Kind == auth.KindProvisioning {
		createdBy = "provisioning"
	}

	et, err := s.dispatcher.MintEnrollmentToken(req.RunnerName, createdBy, req.ReEnrollmentFor, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mintTokenResponse{Token: et.Token, ExpiresAt: et.ExpiresAt})
}

type registerRequest struct {
	Hostname string          `json:"hostname"`
	Devices  []*types.Device `json:"devices"`
}

type runnerView struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Hostname      string          `json:"hostname"`
	Status        string          `json:"status"`
	Enabled       bool            `json:"enabled"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
	Devices       []*types.Device `json:"devices"`
}

func viewRunner(r *types.Runner) *runnerView {
	return &runnerView{
		ID:            r.ID,
		Name:          r.Name,
		Hostname:      r.Hostname,
		Status:        string(r.Status),
		Enabled:       r.Enabled,
		LastHeartbeat: r.LastHeartbeat,
		Devices:       r.Devices,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	runner, err := s.dispatcher.Register(principal(r).RunnerID, &dispatch.Registration{
		Hostname:  req.Hostname,
		IP:        remoteIP(r),
		MAC:       r.Header.Get(auth.HeaderMAC),
		MachineID: r.Header.Get(auth.HeaderMachineID),
		Devices:   req.Devices,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, viewRunner(runner))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Heartbeat(principal(r).RunnerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePollTask(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.dispatcher.AssignOne(principal(r).RunnerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, assignment)
}

type completeRequest struct {
	ChallengeID  string    `json:"challenge_id"`
	Outcome      string    `json:"outcome"`
	DeviceID     string    `json:"device_id,omitempty"`
	Frequency    uint64    `json:"frequency,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome := types.TxOutcome(req.Outcome)
	if outcome != types.TxSuccess && outcome != types.TxFailure {
		s.writeError(w, r, fmt.Errorf("%w: outcome must be success or failure", errBadRequest))
		return
	}
	err := s.dispatcher.ReportComplete(principal(r).RunnerID, &dispatch.CompletionReport{
		ChallengeID:  req.ChallengeID,
		Outcome:      outcome,
		DeviceID:     req.DeviceID,
		Frequency:    req.Frequency,
		StartedAt:    req.StartedAt,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSignout(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.Signout(principal(r).RunnerID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func remoteIP(r *http.Request) string {
	// chi's RealIP middleware already folded X-Forwarded-For into
	// RemoteAddr when present.
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}
