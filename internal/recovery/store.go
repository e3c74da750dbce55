package recovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// partsBucket holds the latest message parts per (session, message).
var partsBucket = []byte("message-parts")

// lastMessageKey suffix addresses a session's most recent message.
const lastMessageKey = "last"

// Store is the on-disk message-parts fallback. When the host cannot return
// the failed message's parts, recovery reads the copy observed on the
// request path instead.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the bolt file.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open recovery store: %w", err)
	}
	errBucket := db.Update(func(tx *bolt.Tx) error {
		_, errCreate := tx.CreateBucketIfNotExists(partsBucket)
		return errCreate
	})
	if errBucket != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create recovery bucket: %w", errBucket)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveParts records a message's parts, also updating the session's "last"
// slot. An empty messageID updates only the last slot.
func (s *Store) SaveParts(sessionID, messageID string, parts []byte) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(partsBucket)
		if messageID != "" {
			if errPut := bucket.Put(key(sessionID, messageID), parts); errPut != nil {
				return errPut
			}
		}
		return bucket.Put(key(sessionID, lastMessageKey), parts)
	})
	if err != nil {
		log.Warnf("failed to save message parts: %v", err)
	}
}

// Parts returns the stored parts for the message, falling back to the
// session's last message when the exact id is unknown.
func (s *Store) Parts(sessionID, messageID string) []byte {
	var parts []byte
	_ = s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(partsBucket)
		if messageID != "" {
			if value := bucket.Get(key(sessionID, messageID)); value != nil {
				parts = append(parts, value...)
				return nil
			}
		}
		if value := bucket.Get(key(sessionID, lastMessageKey)); value != nil {
			parts = append(parts, value...)
		}
		return nil
	})
	return parts
}

func key(sessionID, messageID string) []byte {
	return []byte(sessionID + "/" + messageID)
}
