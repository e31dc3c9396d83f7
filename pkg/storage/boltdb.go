package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ckoval7/challengectl/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketChallenges       = []byte("challenges")
	bucketRunners          = []byte("runners")
	bucketTransmissions    = []byte("transmissions")
	bucketFiles            = []byte("files")
	bucketEnrollmentTokens = []byte("enrollment_tokens")
	bucketProvisioningKeys = []byte("provisioning_api_keys")
	bucketUsers            = []byte("users")
	bucketSessions         = []byte("sessions")
	bucketSystemState      = []byte("system_state")
)

// BoltStore implements Store using BoltDB. BoltDB admits exactly one
// write transaction at a time, so Update is the immediate-write
// transaction the dispatch core relies on; View transactions read a
// committed snapshot and never block the writer.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database under dataDir and
// applies pending schema migrations.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "challengectl.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Update runs fn inside the exclusive write transaction.
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// View runs fn against a read-only snapshot.
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Single-shot accessors for read paths.

func (s *BoltStore) GetChallenge(id string) (c *types.Challenge, err error) {
	err = s.View(func(tx Tx) error { c, err = tx.GetChallenge(id); return err })
	return c, err
}

func (s *BoltStore) GetChallengeByName(name string) (c *types.Challenge, err error) {
	err = s.View(func(tx Tx) error { c, err = tx.GetChallengeByName(name); return err })
	return c, err
}

func (s *BoltStore) ListChallenges() (cs []*types.Challenge, err error) {
	err = s.View(func(tx Tx) error { cs, err = tx.ListChallenges(); return err })
	return cs, err
}

func (s *BoltStore) GetRunner(id string) (r *types.Runner, err error) {
	err = s.View(func(tx Tx) error { r, err = tx.GetRunner(id); return err })
	return r, err
}

func (s *BoltStore) ListRunners() (rs []*types.Runner, err error) {
	err = s.View(func(tx Tx) error { rs, err = tx.ListRunners(); return err })
	return rs, err
}

func (s *BoltStore) ListTransmissions() (ts []*types.Transmission, err error) {
	err = s.View(func(tx Tx) error { ts, err = tx.ListTransmissions(); return err })
	return ts, err
}

func (s *BoltStore) GetFile(digest string) (f *types.FileMeta, err error) {
	err = s.View(func(tx Tx) error { f, err = tx.GetFile(digest); return err })
	return f, err
}

func (s *BoltStore) ListFiles() (fs []*types.FileMeta, err error) {
	err = s.View(func(tx Tx) error { fs, err = tx.ListFiles(); return err })
	return fs, err
}

func (s *BoltStore) GetSession(token string) (sess *types.Session, err error) {
	err = s.View(func(tx Tx) error { sess, err = tx.GetSession(token); return err })
	return sess, err
}

// boltTx implements Tx over one bolt transaction.
type boltTx struct {
	tx *bolt.Tx
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

// Challenge operations

func (t *boltTx) GetChallenge(id string) (*types.Challenge, error) {
	data := t.tx.Bucket(bucketChallenges).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("challenge %s: %w", id, ErrNotFound)
	}
	var c types.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *boltTx) GetChallengeByName(name string) (*types.Challenge, error) {
	var found *types.Challenge
	err := t.tx.Bucket(bucketChallenges).ForEach(func(k, v []byte) error {
		var c types.Challenge
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		if c.Name == name {
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("challenge %s: %w", name, ErrNotFound)
	}
	return found, nil
}

func (t *boltTx) ListChallenges() ([]*types.Challenge, error) {
	var out []*types.Challenge
	err := t.tx.Bucket(bucketChallenges).ForEach(func(k, v []byte) error {
		var c types.Challenge
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

func (t *boltTx) PutChallenge(c *types.Challenge) error {
	return putJSON(t.tx.Bucket(bucketChallenges), c.ID, c)
}

func (t *boltTx) DeleteChallenge(id string) error {
	return t.tx.Bucket(bucketChallenges).Delete([]byte(id))
}

// Runner operations

func (t *boltTx) GetRunner(id string) (*types.Runner, error) {
	data := t.tx.Bucket(bucketRunners).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("runner %s: %w", id, ErrNotFound)
	}
	var r types.Runner
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (t *boltTx) ListRunners() ([]*types.Runner, error) {
	var out []*types.Runner
	err := t.tx.Bucket(bucketRunners).ForEach(func(k, v []byte) error {
		var r types.Runner
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		out = append(out, &r)
		return nil
	})
	return out, err
}

func (t *boltTx) PutRunner(r *types.Runner) error {
	return putJSON(t.tx.Bucket(bucketRunners), r.ID, r)
}

func (t *boltTx) DeleteRunner(id string) error {
	return t.tx.Bucket(bucketRunners).Delete([]byte(id))
}

// Transmission operations

func (t *boltTx) AppendTransmission(rec *types.Transmission) error {
	b := t.tx.Bucket(bucketTransmissions)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	rec.ID = seq
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (t *boltTx) ListTransmissions() ([]*types.Transmission, error) {
	var out []*types.Transmission
	err := t.tx.Bucket(bucketTransmissions).ForEach(func(k, v []byte) error {
		var rec types.Transmission
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

// Enrollment token operations

func (t *boltTx) GetEnrollmentToken(token string) (*types.EnrollmentToken, error) {
	data := t.tx.Bucket(bucketEnrollmentTokens).Get([]byte(token))
	if data == nil {
		return nil, fmt.Errorf("enrollment token: %w", ErrNotFound)
	}
	var et types.EnrollmentToken
	if err := json.Unmarshal(data, &et); err != nil {
		return nil, err
	}
	return &et, nil
}

func (t *boltTx) ListEnrollmentTokens() ([]*types.EnrollmentToken, error) {
	var out []*types.EnrollmentToken
	err := t.tx.Bucket(bucketEnrollmentTokens).ForEach(func(k, v []byte) error {
		var et types.EnrollmentToken
		if err := json.Unmarshal(v, &et); err != nil {
			return err
		}
		out = append(out, &et)
		return nil
	})
	return out, err
}

func (t *boltTx) PutEnrollmentToken(et *types.EnrollmentToken) error {
	return putJSON(t.tx.Bucket(bucketEnrollmentTokens), et.Token, et)
}

func (t *boltTx) DeleteEnrollmentToken(token string) error {
	return t.tx.Bucket(bucketEnrollmentTokens).Delete([]byte(token))
}

// Session operations

func (t *boltTx) GetSession(token string) (*types.Session, error) {
	data := t.tx.Bucket(bucketSessions).Get([]byte(token))
	if data == nil {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *boltTx) ListSessions() ([]*types.Session, error) {
	var out []*types.Session
	err := t.tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
		var s types.Session
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out = append(out, &s)
		return nil
	})
	return out, err
}

func (t *boltTx) PutSession(s *types.Session) error {
	return putJSON(t.tx.Bucket(bucketSessions), s.Token, s)
}

func (t *boltTx) DeleteSession(token string) error {
	return t.tx.Bucket(bucketSessions).Delete([]byte(token))
}

// File metadata operations

func (t *boltTx) GetFile(digest string) (*types.FileMeta, error) {
	data := t.tx.Bucket(bucketFiles).Get([]byte(digest))
	if data == nil {
		return nil, fmt.Errorf("file %s: %w", digest, ErrNotFound)
	}
	var f types.FileMeta
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (t *boltTx) ListFiles() ([]*types.FileMeta, error) {
	var out []*types.FileMeta
	err := t.tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
		var f types.FileMeta
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		out = append(out, &f)
		return nil
	})
	return out, err
}

func (t *boltTx) PutFile(meta *types.FileMeta) error {
	return putJSON(t.tx.Bucket(bucketFiles), meta.Digest, meta)
}

// Provisioning key operations

func (t *boltTx) ListProvisioningKeys() ([]*types.ProvisioningKey, error) {
	var out []*types.ProvisioningKey
	err := t.tx.Bucket(bucketProvisioningKeys).ForEach(func(k, v []byte) error {
		var pk types.ProvisioningKey
		if err := json.Unmarshal(v, &pk); err != nil {
			return err
		}
		out = append(out, &pk)
		return nil
	})
	return out, err
}

func (t *boltTx) PutProvisioningKey(pk *types.ProvisioningKey) error {
	return putJSON(t.tx.Bucket(bucketProvisioningKeys), pk.ID, pk)
}

// User operations

func (t *boltTx) GetUserByName(username string) (*types.User, error) {
	var found *types.User
	err := t.tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
		var u types.User
		if err := json.Unmarshal(v, &u); err != nil {
			return err
		}
		if u.Username == username {
			found = &u
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("user %s: %w", username, ErrNotFound)
	}
	return found, nil
}

func (t *boltTx) PutUser(u *types.User) error {
	return putJSON(t.tx.Bucket(bucketUsers), u.ID, u)
}

// System state operations

func (t *boltTx) GetSystemState(key string) ([]byte, error) {
	data := t.tx.Bucket(bucketSystemState).Get([]byte(key))
	if data == nil {
		return nil, nil
	}
	// Copy out: bolt-owned memory is only valid during the transaction.
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (t *boltTx) PutSystemState(key string, value []byte) error {
	return t.tx.Bucket(bucketSystemState).Put([]byte(key), value)
}
