package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	NodesBucket    = []byte("nodes")
	SubjectsBucket = []byte("subjects")
	IndexBucket    = []byte("subjectindex")
	AuthLogBucket  = []byte("authlog")
	MetadataBucket = []byte("metadata")
)

// Metadata keys.
const (
	OwnerKey         = "owner"
	TotalSubjectsKey = "total_subjects"
	TotalNodesKey    = "total_nodes"
)

// ErrNotFound is returned by lookups for absent records.
var ErrNotFound = errors.New("record not found")

// BiometricType identifies the modality a subject was enrolled with.
type BiometricType string

const (
	BiometricFacial      BiometricType = "facial"
	BiometricFingerprint BiometricType = "fingerprint"
	BiometricIris        BiometricType = "iris"
	BiometricMultimodal  BiometricType = "multimodal"
)

func (t BiometricType) Valid() bool {
	switch t {
	case BiometricFacial, BiometricFingerprint, BiometricIris, BiometricMultimodal:
		return true
	}
	return false
}

// Node is a registered participant identity.
type Node struct {
	Address               string    `json:"address"`
	Name                  string    `json:"name"`
	IsEnrollmentAuthority bool      `json:"is_enrollment_authority"`
	IsAuthorized          bool      `json:"is_authorized"`
	RegisteredAt          time.Time `json:"registered_at"`
	EnrollmentCount       uint64    `json:"enrollment_count"`
}

// Subject is a registered biometric identity. CommitmentHash and Delta are
// only meaningful while IsActive is true; deactivation is the deletion
// substitute, the record itself is never removed.
type Subject struct {
	ID             string        `json:"id"`
	CommitmentHash string        `json:"commitment_hash"`
	Delta          []byte        `json:"delta"`
	TemplateRef    string        `json:"template_ref"`
	BiometricType  BiometricType `json:"biometric_type"`
	EnrolledBy     string        `json:"enrolled_by"`
	EnrolledAt     time.Time     `json:"enrolled_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	IsActive       bool          `json:"is_active"`
}

// AuthRecord is an immutable audit entry for one authentication attempt.
// IDs are 1-based and strictly sequential.
type AuthRecord struct {
	ID        uint64    `json:"id"`
	SubjectID string    `json:"subject_id"`
	Verifier  string    `json:"verifier"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type Store struct {
	db *bolt.DB
}

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{NodesBucket, SubjectsBucket, IndexBucket, AuthLogBucket, MetadataBucket} {
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

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Mutate runs fn inside a single writable transaction. Registry operations
// compose their whole mutation here so that a failed precondition never
// leaves a partial write behind.
func (s *Store) Mutate(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Tx exposes record-level primitives within one atomic transaction.
type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) PutNode(node *Node) error {
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to marshal node: %w", err)
	}
	return t.tx.Bucket(NodesBucket).Put([]byte(node.Address), data)
}

func (t *Tx) GetNode(addr string) (*Node, error) {
	return decodeNode(t.tx.Bucket(NodesBucket).Get([]byte(addr)))
}

func (t *Tx) DeleteNode(addr string) error {
	return t.tx.Bucket(NodesBucket).Delete([]byte(addr))
}

func (t *Tx) PutSubject(subject *Subject) error {
	data, err := json.Marshal(subject)
	if err != nil {
		return fmt.Errorf("failed to marshal subject: %w", err)
	}
	return t.tx.Bucket(SubjectsBucket).Put([]byte(subject.ID), data)
}

func (t *Tx) GetSubject(id string) (*Subject, error) {
	return decodeSubject(t.tx.Bucket(SubjectsBucket).Get([]byte(id)))
}

// AppendSubjectIndex records a subject id under the node that enrolled it.
func (t *Tx) AppendSubjectIndex(nodeAddr, subjectID string) error {
	bucket := t.tx.Bucket(IndexBucket)

	var ids []string
	if data := bucket.Get([]byte(nodeAddr)); data != nil {
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("failed to unmarshal subject index: %w", err)
		}
	}
	ids = append(ids, subjectID)

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal subject index: %w", err)
	}
	return bucket.Put([]byte(nodeAddr), data)
}

// AppendAuthRecord assigns the next sequential id and appends the record.
func (t *Tx) AppendAuthRecord(record *AuthRecord) (uint64, error) {
	bucket := t.tx.Bucket(AuthLogBucket)

	var next uint64 = 1
	if k, _ := bucket.Cursor().Last(); k != nil {
		next = binary.BigEndian.Uint64(k) + 1
	}
	record.ID = next

	data, err := json.Marshal(record)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal auth record: %w", err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, next)
	if err := bucket.Put(key, data); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *Tx) SetMetadata(key, value string) error {
	return t.tx.Bucket(MetadataBucket).Put([]byte(key), []byte(value))
}

func (t *Tx) GetMetadata(key string) (string, bool) {
	data := t.tx.Bucket(MetadataBucket).Get([]byte(key))
	if data == nil {
		return "", false
	}
	return string(data), true
}

// IncrementCounter bumps a metadata counter and returns the new value.
func (t *Tx) IncrementCounter(key string) (uint64, error) {
	bucket := t.tx.Bucket(MetadataBucket)

	var val uint64
	if data := bucket.Get([]byte(key)); len(data) == 8 {
		val = binary.BigEndian.Uint64(data)
	}
	val++

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	if err := bucket.Put([]byte(key), buf); err != nil {
		return 0, err
	}
	return val, nil
}

// Read-side accessors. Each runs in its own read transaction and never
// blocks writers.

func (s *Store) GetNode(addr string) (*Node, error) {
	var node *Node
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		node, err = decodeNode(tx.Bucket(NodesBucket).Get([]byte(addr)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) GetSubject(id string) (*Subject, error) {
	var subject *Subject
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		subject, err = decodeSubject(tx.Bucket(SubjectsBucket).Get([]byte(id)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return subject, nil
}

func (s *Store) GetAuthRecord(id uint64) (*AuthRecord, error) {
	var record AuthRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		data := tx.Bucket(AuthLogBucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListNodes returns nodes in address order, skipping offset and returning at
// most limit records. A limit of 0 means no limit.
func (s *Store) ListNodes(offset, limit int) ([]*Node, error) {
	var nodes []*Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanBucket(tx.Bucket(NodesBucket), offset, limit, func(v []byte) error {
			node, err := decodeNode(v)
			if err != nil {
				return err
			}
			nodes = append(nodes, node)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *Store) ListSubjects(offset, limit int) ([]*Subject, error) {
	var subjects []*Subject
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanBucket(tx.Bucket(SubjectsBucket), offset, limit, func(v []byte) error {
			subject, err := decodeSubject(v)
			if err != nil {
				return err
			}
			subjects = append(subjects, subject)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return subjects, nil
}

func (s *Store) ListAuthRecords(offset, limit int) ([]*AuthRecord, error) {
	var records []*AuthRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return scanBucket(tx.Bucket(AuthLogBucket), offset, limit, func(v []byte) error {
			var record AuthRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal auth record: %w", err)
			}
			records = append(records, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SubjectIDsByNode returns the ids of subjects enrolled by the given node.
func (s *Store) SubjectIDsByNode(addr string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(IndexBucket).Get([]byte(addr))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &ids)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) GetMetadata(key string) (string, bool) {
	var value string
	var found bool
	s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(MetadataBucket).Get([]byte(key))
		if data != nil {
			value = string(data)
			found = true
		}
		return nil
	})
	return value, found
}

func (s *Store) GetCounter(key string) uint64 {
	var val uint64
	s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(MetadataBucket).Get([]byte(key)); len(data) == 8 {
			val = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return val
}

// LastAuthID returns the highest audit record id, 0 when the log is empty.
func (s *Store) LastAuthID() uint64 {
	var last uint64
	s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(AuthLogBucket).Cursor().Last(); k != nil {
			last = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	return last
}

func scanBucket(bucket *bolt.Bucket, offset, limit int, fn func(v []byte) error) error {
	cursor := bucket.Cursor()
	i := 0
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		if i < offset {
			i++
			continue
		}
		if limit > 0 && i >= offset+limit {
			break
		}
		if err := fn(v); err != nil {
			return err
		}
		i++
	}
	return nil
}

func decodeNode(data []byte) (*Node, error) {
	if data == nil {
		return nil, ErrNotFound
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &node, nil
}

func decodeSubject(data []byte) (*Subject, error) {
	if data == nil {
		return nil, ErrNotFound
	}
	var subject Subject
	if err := json.Unmarshal(data, &subject); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subject: %w", err)
	}
	return &subject, nil
}
