package archive

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/p2pgo/p2pgo_core/interfaces"
)

var sessionsBucket = []byte("suspended_sessions")

var ErrNotFound = errors.New("archive: no such session")

// Journal keeps abandoned sessions so they can be resumed later.
type Journal struct {
	db *bolt.DB
}

func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) Save(s *interfaces.SuspendedSession) error {
	data, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(s.GameID[:], data)
	})
}

func (j *Journal) Load(game_id uuid.UUID) (*interfaces.SuspendedSession, error) {
	result := new(interfaces.SuspendedSession)
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get(game_id[:])
		if data == nil {
			return ErrNotFound
		}
		return cbor.Unmarshal(data, result)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (j *Journal) Delete(game_id uuid.UUID) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(game_id[:])
	})
}

func (j *Journal) List() ([]*interfaces.SuspendedSession, error) {
	var result []*interfaces.SuspendedSession
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			s := new(interfaces.SuspendedSession)
			if err := cbor.Unmarshal(v, s); err != nil {
				return err
			}
			result = append(result, s)
			return nil
		})
	})
	return result, err
}
