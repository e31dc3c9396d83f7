package storage

import (
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

const schemaVersionKey = "schema_version"

// migrations are additive, idempotent steps applied in order. A step runs
// only when the stored version is below its position; downgrades are not
// supported.
var migrations = []func(tx *bolt.Tx) error{
	// 1: initial bucket set
	func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketChallenges,
			bucketRunners,
			bucketTransmissions,
			bucketFiles,
			bucketEnrollmentTokens,
			bucketProvisioningKeys,
			bucketUsers,
			bucketSessions,
			bucketSystemState,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	},
}

// migrate applies all pending migrations inside one write transaction.
func (s *BoltStore) migrate() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		version := 0
		if b := tx.Bucket(bucketSystemState); b != nil {
			if data := b.Get([]byte(schemaVersionKey)); data != nil {
				v, err := strconv.Atoi(string(data))
				if err != nil {
					return fmt.Errorf("corrupt schema version %q: %w", data, err)
				}
				version = v
			}
		}
		if version > len(migrations) {
			return fmt.Errorf("database schema version %d is newer than this binary supports (%d)", version, len(migrations))
		}
		for i := version; i < len(migrations); i++ {
			if err := migrations[i](tx); err != nil {
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
		}
		b := tx.Bucket(bucketSystemState)
		return b.Put([]byte(schemaVersionKey), []byte(strconv.Itoa(len(migrations))))
	})
}

// SchemaVersion reports the stored schema version.
func (s *BoltStore) SchemaVersion() (int, error) {
	version := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketSystemState).Get([]byte(schemaVersionKey)); data != nil {
			v, err := strconv.Atoi(string(data))
			if err != nil {
				return err
			}
			version = v
		}
		return nil
	})
	return version, err
}
