package storage

import (
	"errors"

	"github.com/ckoval7/challengectl/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Tx is a typed view over a single write transaction. Every read inside
// the closure sees the transaction's own writes; nothing is visible to
// readers until the closure returns nil and the transaction commits.
type Tx interface {
	// Challenges
	GetChallenge(id string) (*types.Challenge, error)
	GetChallengeByName(name string) (*types.Challenge, error)
	ListChallenges() ([]*types.Challenge, error)
	PutChallenge(challenge *types.Challenge) error
	DeleteChallenge(id string) error

	// Runners
	GetRunner(id string) (*types.Runner, error)
	ListRunners() ([]*types.Runner, error)
	PutRunner(runner *types.Runner) error
	DeleteRunner(id string) error

	// Transmissions (append-only; ID assigned from the bucket sequence)
	AppendTransmission(tx *types.Transmission) error
	ListTransmissions() ([]*types.Transmission, error)

	// Enrollment tokens
	GetEnrollmentToken(token string) (*types.EnrollmentToken, error)
	ListEnrollmentTokens() ([]*types.EnrollmentToken, error)
	PutEnrollmentToken(token *types.EnrollmentToken) error
	DeleteEnrollmentToken(token string) error

	// Sessions
	GetSession(token string) (*types.Session, error)
	ListSessions() ([]*types.Session, error)
	PutSession(session *types.Session) error
	DeleteSession(token string) error

	// Files
	GetFile(digest string) (*types.FileMeta, error)
	ListFiles() ([]*types.FileMeta, error)
	PutFile(meta *types.FileMeta) error

	// Provisioning keys
	ListProvisioningKeys() ([]*types.ProvisioningKey, error)
	PutProvisioningKey(key *types.ProvisioningKey) error

	// Users
	GetUserByName(username string) (*types.User, error)
	PutUser(user *types.User) error

	// System state (small keyed blobs: schema version, pause flag)
	GetSystemState(key string) ([]byte, error)
	PutSystemState(key string, value []byte) error
}

// Store defines the interface for controller state storage.
//
// Update runs fn inside the store's single exclusive write transaction;
// concurrent Update calls serialize, which is what makes read-modify-write
// transitions on challenges and runners atomic. View runs fn against the
// latest committed snapshot without blocking the writer.
type Store interface {
	Update(fn func(tx Tx) error) error
	View(fn func(tx Tx) error) error

	// Convenience single-shot accessors for read paths.
	GetChallenge(id string) (*types.Challenge, error)
	GetChallengeByName(name string) (*types.Challenge, error)
	ListChallenges() ([]*types.Challenge, error)
	GetRunner(id string) (*types.Runner, error)
	ListRunners() ([]*types.Runner, error)
	ListTransmissions() ([]*types.Transmission, error)
	GetFile(digest string) (*types.FileMeta, error)
	ListFiles() ([]*types.FileMeta, error)
	GetSession(token string) (*types.Session, error)

	Close() error
}
