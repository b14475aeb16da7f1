package consensus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	logsBucket   = []byte("logs")
	stableBucket = []byte("stable")
)

// BoltStore backs the raft log and stable store with a single bbolt file,
// separate from the registry database. Log entries are JSON records keyed by
// big-endian index, so the dump tooling can read them like any other bucket.
type BoltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open raft database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{logsBucket, stableBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// FirstIndex returns the first stored log index, 0 when the log is empty.
func (b *BoltStore) FirstIndex() (uint64, error) {
	var first uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(logsBucket).Cursor().First(); k != nil {
			first = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return first, err
}

// LastIndex returns the last stored log index, 0 when the log is empty.
func (b *BoltStore) LastIndex() (uint64, error) {
	var last uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(logsBucket).Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last, err
}

func (b *BoltStore) GetLog(index uint64, log *raft.Log) error {
	return b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(logsBucket).Get(indexKey(index))
		if data == nil {
			return raft.ErrLogNotFound
		}
		if err := json.Unmarshal(data, log); err != nil {
			return fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		return nil
	})
}

func (b *BoltStore) StoreLog(log *raft.Log) error {
	return b.StoreLogs([]*raft.Log{log})
}

func (b *BoltStore) StoreLogs(logs []*raft.Log) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for _, log := range logs {
			data, err := json.Marshal(log)
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}
			if err := bucket.Put(indexKey(log.Index), data); err != nil {
				return fmt.Errorf("failed to store log entry: %w", err)
			}
		}
		return nil
	})
}

// DeleteRange removes log entries in the inclusive [min, max] range.
func (b *BoltStore) DeleteRange(min, max uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(indexKey(min)); k != nil && binary.BigEndian.Uint64(k) <= max; k, _ = cursor.Next() {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete log entry: %w", err)
			}
		}
		return nil
	})
}

func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stableBucket).Put(key, val)
	})
}

func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stableBucket).Get(key); v != nil {
			val = make([]byte, len(v))
			copy(val, v)
		}
		return nil
	})
	return val, err
}

func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return b.Set(key, buf)
}

func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid uint64 value length: %d", len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func indexKey(index uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, index)
	return key
}
