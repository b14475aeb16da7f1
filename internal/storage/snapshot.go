package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// State is a full serializable copy of the registry, used for raft
// snapshots and restore.
type State struct {
	Nodes         []Node              `json:"nodes"`
	Subjects      []Subject           `json:"subjects"`
	SubjectIndex  map[string][]string `json:"subject_index"`
	AuthRecords   []AuthRecord        `json:"auth_records"`
	Owner         string              `json:"owner"`
	TotalSubjects uint64              `json:"total_subjects"`
	TotalNodes    uint64              `json:"total_nodes"`
}

// Export reads the entire registry state in one consistent view.
func (s *Store) Export() (*State, error) {
	state := &State{
		SubjectIndex: make(map[string][]string),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(NodesBucket).ForEach(func(k, v []byte) error {
			var node Node
			if err := json.Unmarshal(v, &node); err != nil {
				return fmt.Errorf("failed to unmarshal node: %w", err)
			}
			state.Nodes = append(state.Nodes, node)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(SubjectsBucket).ForEach(func(k, v []byte) error {
			var subject Subject
			if err := json.Unmarshal(v, &subject); err != nil {
				return fmt.Errorf("failed to unmarshal subject: %w", err)
			}
			state.Subjects = append(state.Subjects, subject)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(IndexBucket).ForEach(func(k, v []byte) error {
			var ids []string
			if err := json.Unmarshal(v, &ids); err != nil {
				return fmt.Errorf("failed to unmarshal subject index: %w", err)
			}
			state.SubjectIndex[string(k)] = ids
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(AuthLogBucket).ForEach(func(k, v []byte) error {
			var record AuthRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("failed to unmarshal auth record: %w", err)
			}
			state.AuthRecords = append(state.AuthRecords, record)
			return nil
		}); err != nil {
			return err
		}

		meta := tx.Bucket(MetadataBucket)
		if data := meta.Get([]byte(OwnerKey)); data != nil {
			state.Owner = string(data)
		}
		if data := meta.Get([]byte(TotalSubjectsKey)); len(data) == 8 {
			state.TotalSubjects = binary.BigEndian.Uint64(data)
		}
		if data := meta.Get([]byte(TotalNodesKey)); len(data) == 8 {
			state.TotalNodes = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Import replaces the registry contents with a previously exported state.
func (s *Store) Import(state *State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{NodesBucket, SubjectsBucket, IndexBucket, AuthLogBucket, MetadataBucket} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return fmt.Errorf("failed to reset bucket: %w", err)
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return fmt.Errorf("failed to recreate bucket: %w", err)
			}
		}

		nodes := tx.Bucket(NodesBucket)
		for i := range state.Nodes {
			data, err := json.Marshal(&state.Nodes[i])
			if err != nil {
				return fmt.Errorf("failed to marshal node: %w", err)
			}
			if err := nodes.Put([]byte(state.Nodes[i].Address), data); err != nil {
				return err
			}
		}

		subjects := tx.Bucket(SubjectsBucket)
		for i := range state.Subjects {
			data, err := json.Marshal(&state.Subjects[i])
			if err != nil {
				return fmt.Errorf("failed to marshal subject: %w", err)
			}
			if err := subjects.Put([]byte(state.Subjects[i].ID), data); err != nil {
				return err
			}
		}

		index := tx.Bucket(IndexBucket)
		for addr, ids := range state.SubjectIndex {
			data, err := json.Marshal(ids)
			if err != nil {
				return fmt.Errorf("failed to marshal subject index: %w", err)
			}
			if err := index.Put([]byte(addr), data); err != nil {
				return err
			}
		}

		authlog := tx.Bucket(AuthLogBucket)
		for i := range state.AuthRecords {
			data, err := json.Marshal(&state.AuthRecords[i])
			if err != nil {
				return fmt.Errorf("failed to marshal auth record: %w", err)
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, state.AuthRecords[i].ID)
			if err := authlog.Put(key, data); err != nil {
				return err
			}
		}

		meta := tx.Bucket(MetadataBucket)
		if state.Owner != "" {
			if err := meta.Put([]byte(OwnerKey), []byte(state.Owner)); err != nil {
				return err
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, state.TotalSubjects)
		if err := meta.Put([]byte(TotalSubjectsKey), buf); err != nil {
			return err
		}
		buf = make([]byte, 8)
		binary.BigEndian.PutUint64(buf, state.TotalNodes)
		return meta.Put([]byte(TotalNodesKey), buf)
	})
}
