package registry

import (
	"errors"

	"github.com/bioreg/bioreg/internal/storage"
)

// Read operations are served from the local store without a consensus
// round. Authorized reads check the caller's node flags first; status and
// totals are free for any caller.

// IsAuthorizedNode reports whether addr belongs to a registered, currently
// authorized node.
func (r *Registry) IsAuthorizedNode(addr string) bool {
	node, err := r.store.GetNode(addr)
	return err == nil && node.IsAuthorized
}

// IsEnrollmentCenter reports whether addr is an authorized enrollment
// authority.
func (r *Registry) IsEnrollmentCenter(addr string) bool {
	node, err := r.store.GetNode(addr)
	return err == nil && node.IsAuthorized && node.IsEnrollmentAuthority
}

// GetNode returns a node record. Restricted to authorized callers.
func (r *Registry) GetNode(caller, addr string) (*storage.Node, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}
	node, err := r.store.GetNode(addr)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(KindNotFound, "address", "node not registered")
	}
	return node, err
}

// ListNodes returns a page of node records in address order.
func (r *Registry) ListNodes(caller string, offset, limit int) ([]*storage.Node, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}
	return r.store.ListNodes(offset, limit)
}

// GetSubject returns the full commitment material for an active subject.
// This is the one read that exposes commitment data, and it is restricted
// to authorized callers.
func (r *Registry) GetSubject(caller, id string) (*storage.Subject, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}

	subject, err := r.store.GetSubject(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(KindNotFound, "subject_id", "subject not enrolled")
	} else if err != nil {
		return nil, err
	}
	if !subject.IsActive {
		return nil, NewError(KindNotActive, "subject_id", "subject is deactivated")
	}
	return subject, nil
}

// CheckSubjectStatus reports existence and activity only. It carries no
// commitment material and is safe for any caller.
func (r *Registry) CheckSubjectStatus(id string) (exists, active bool) {
	subject, err := r.store.GetSubject(id)
	if err != nil {
		return false, false
	}
	return true, subject.IsActive
}

// VerifyCommitment compares a caller-computed commitment hash against the
// stored one. A mismatch is a false result, not an error: the caller ran
// recovery off-registry and simply failed to reproduce the enrolled key.
func (r *Registry) VerifyCommitment(caller, id, providedHash string) (bool, error) {
	if err := r.authorizeRead(caller); err != nil {
		return false, err
	}

	subject, err := r.store.GetSubject(id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, NewError(KindNotFound, "subject_id", "subject not enrolled")
	} else if err != nil {
		return false, err
	}
	if !subject.IsActive {
		return false, NewError(KindNotActive, "subject_id", "subject is deactivated")
	}
	return providedHash == subject.CommitmentHash, nil
}

// ListSubjects returns a page of subject records in id order.
func (r *Registry) ListSubjects(caller string, offset, limit int) ([]*storage.Subject, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}
	return r.store.ListSubjects(offset, limit)
}

// SubjectsByNode returns the ids of subjects enrolled by a node.
func (r *Registry) SubjectsByNode(caller, addr string) ([]string, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}
	return r.store.SubjectIDsByNode(addr)
}

// GetAuthRecord returns one audit entry. An out-of-range id is an explicit
// not-found rejection.
func (r *Registry) GetAuthRecord(caller string, id uint64) (*storage.AuthRecord, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}
	record, err := r.store.GetAuthRecord(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(KindNotFound, "id", "audit record does not exist")
	}
	return record, err
}

// ListAuthRecords returns a page of audit entries in id order.
func (r *Registry) ListAuthRecords(caller string, offset, limit int) ([]*storage.AuthRecord, error) {
	if err := r.authorizeRead(caller); err != nil {
		return nil, err
	}
	return r.store.ListAuthRecords(offset, limit)
}

// Totals reports the global monotonic counters. The subject total counts
// creations only; deactivations do not decrement it.
type Totals struct {
	Subjects    uint64 `json:"subjects"`
	Nodes       uint64 `json:"nodes"`
	AuthRecords uint64 `json:"auth_records"`
}

func (r *Registry) Totals() Totals {
	return Totals{
		Subjects:    r.store.GetCounter(storage.TotalSubjectsKey),
		Nodes:       r.store.GetCounter(storage.TotalNodesKey),
		AuthRecords: r.store.LastAuthID(),
	}
}

// Owner returns the current owner address, empty before bootstrap.
func (r *Registry) Owner() string {
	owner, _ := r.store.GetMetadata(storage.OwnerKey)
	return owner
}

// Bootstrapped reports whether the genesis owner has been registered.
func (r *Registry) Bootstrapped() bool {
	_, ok := r.store.GetMetadata(storage.OwnerKey)
	return ok
}

func (r *Registry) authorizeRead(caller string) error {
	node, err := r.store.GetNode(caller)
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(KindUnauthorized, "caller", "caller is not a registered node")
	} else if err != nil {
		return err
	}
	if !node.IsAuthorized {
		return NewError(KindUnauthorized, "caller", "caller is not authorized")
	}
	return nil
}
