package serverdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	handsBucket    = []byte("hands")
	sessionsBucket = []byte("sessions")
)

// BoltDB implements Store on a single bbolt file. Hand records nest under
// hands/<roomID> keyed by big-endian hand number; session events nest under
// sessions/<roomID> keyed by an auto-incrementing sequence.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed) the audit database at path.
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(handsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (b *BoltDB) StoreHandResult(ctx context.Context, rec *HandRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal hand record: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		main := tx.Bucket(handsBucket)
		if main == nil {
			return ErrMainBucketNotFound
		}
		room, err := main.CreateBucketIfNotExists([]byte(rec.RoomID))
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, rec.HandNum)
		if room.Get(key) != nil {
			return ErrDuplicateEntry
		}
		return room.Put(key, data)
	})
}

func (b *BoltDB) FetchHandResults(ctx context.Context, roomID string) ([]*HandRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*HandRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		main := tx.Bucket(handsBucket)
		if main == nil {
			return ErrMainBucketNotFound
		}
		room := main.Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		return room.ForEach(func(_, v []byte) error {
			var rec HandRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal hand record: %w", err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) StoreSessionEvent(ctx context.Context, rec *SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		main := tx.Bucket(sessionsBucket)
		if main == nil {
			return ErrMainBucketNotFound
		}
		room, err := main.CreateBucketIfNotExists([]byte(rec.RoomID))
		if err != nil {
			return err
		}
		seq, err := room.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return room.Put(key, data)
	})
}

func (b *BoltDB) FetchSessionEvents(ctx context.Context, roomID string) ([]*SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*SessionRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		main := tx.Bucket(sessionsBucket)
		if main == nil {
			return ErrMainBucketNotFound
		}
		room := main.Bucket([]byte(roomID))
		if room == nil {
			return nil
		}
		return room.ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal session record: %w", err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) Close() error {
	return b.db.Close()
}
