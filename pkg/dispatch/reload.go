package dispatch

import (
	"fmt"
	"time"

	"github.com/ckoval7/challengectl/pkg/events"
	"github.com/ckoval7/challengectl/pkg/storage"
	"github.com/ckoval7/challengectl/pkg/types"
	"github.com/google/uuid"
)

// ChallengeDefinition is one entry of the operator-supplied challenge set.
type ChallengeDefinition struct {
	Name     string
	Priority int
	Enabled  bool
	Config   *types.ChallengeConfig
}

// Validate checks a definition before it touches the store.
func (def *ChallengeDefinition) Validate() error {
	if def.Name == "" {
		return fmt.Errorf("challenge definition missing name")
	}
	if def.Config == nil || def.Config.Frequency == nil {
		return fmt.Errorf("challenge %q missing frequency spec", def.Name)
	}
	if err := def.Config.Frequency.Validate(); err != nil {
		return fmt.Errorf("challenge %q: %w", def.Name, err)
	}
	if def.Config.MinDelay < 0 || def.Config.MaxDelay < def.Config.MinDelay {
		return fmt.Errorf("challenge %q: invalid delay bounds [%d,%d]", def.Name, def.Config.MinDelay, def.Config.MaxDelay)
	}
	return nil
}

// Reload diffs the supplied definitions against the stored challenge set
// by name. New names are added (queued when enabled); existing rows get
// config, priority and enabled updated in place. Stored challenges absent
// from the new set are left untouched so history stays consistent.
func (d *Dispatcher) Reload(defs []*ChallengeDefinition) (added, updated int, err error) {
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			return 0, 0, err
		}
	}

	err = d.store.Update(func(tx storage.Tx) error {
		existing, err := tx.ListChallenges()
		if err != nil {
			return err
		}
		byName := make(map[string]*types.Challenge, len(existing))
		for _, c := range existing {
			byName[c.Name] = c
		}

		now := d.now()
		for _, def := range defs {
			if c, ok := byName[def.Name]; ok {
				c.Config = def.Config
				c.Priority = def.Priority
				wasEnabled := c.Enabled
				c.Enabled = def.Enabled
				if !def.Enabled && c.Status != types.ChallengeStatusDisabled {
					c.Status = types.ChallengeStatusDisabled
					c.AssignedTo = ""
					c.AssignedAt = time.Time{}
					c.AssignmentExpires = time.Time{}
				} else if def.Enabled && !wasEnabled && c.Status == types.ChallengeStatusDisabled {
					c.Status = types.ChallengeStatusQueued
					c.NextTxTime = now
				}
				c.UpdatedAt = now
				if err := tx.PutChallenge(c); err != nil {
					return err
				}
				updated++
				continue
			}

			status := types.ChallengeStatusQueued
			if !def.Enabled {
				status = types.ChallengeStatusDisabled
			}
			c := &types.Challenge{
				ID:        uuid.New().String(),
				Name:      def.Name,
				Config:    def.Config,
				Enabled:   def.Enabled,
				Priority:  def.Priority,
				Status:    status,
				NextTxTime: now,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.PutChallenge(c); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	d.publish(&types.Event{
		Type:    events.EventChallengeUpdated,
		ID:      uuid.New().String(),
		Message: fmt.Sprintf("config reloaded: %d added, %d updated", added, updated),
	})
	d.logger.Info().Int("added", added).Int("updated", updated).Msg("Challenge config reloaded")
	return added, updated, nil
}
