package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bioreg/bioreg/internal/storage"
)

// Registry is the fuzzy-commitment identity registry state machine. It
// composes the role directory, the subject ledger, and the audit log behind
// one serialized entry point: every mutation arrives as a Command, is
// validated against the current state, and either commits atomically or is
// rejected with a typed Error. Reads never block mutations.
//
// In clustered mode the consensus layer is the only caller of Apply, which
// keeps the applied history identical on every replica. In single-node mode
// the internal mutex provides the same total order.
type Registry struct {
	mu       sync.Mutex
	store    *storage.Store
	notifier Notifier
	recorder Recorder
}

// Recorder receives operation outcomes for metrics. All methods must be
// cheap and non-blocking.
type Recorder interface {
	Operation(op string, errKind string)
	Authentication(success bool)
}

type Option func(*Registry)

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Registry) { r.recorder = rec }
}

func New(store *storage.Store, opts ...Option) *Registry {
	r := &Registry{store: store}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply executes one command against the registry. It is the single
// mutation path; validation happens inside so a rejected command is
// rejected identically on every replica.
func (r *Registry) Apply(cmd *Command) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := cmd.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	event, err := r.dispatch(cmd, ts)
	if r.recorder != nil {
		r.recorder.Operation(string(cmd.Op), string(KindOf(err)))
	}
	if err != nil {
		return nil, err
	}

	if r.notifier != nil {
		r.notifier.Publish(event)
	}
	return event, nil
}

// Submit satisfies the gateway submission interface for single-node
// deployments, where no consensus round is needed.
func (r *Registry) Submit(_ context.Context, cmd *Command) (*Event, error) {
	return r.Apply(cmd)
}

func (r *Registry) dispatch(cmd *Command, ts time.Time) (*Event, error) {
	switch cmd.Op {
	case OpBootstrap:
		var args BootstrapArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applyBootstrap(cmd.Caller, ts, &args)
	case OpRegisterNode:
		var args RegisterNodeArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applyRegisterNode(cmd.Caller, ts, &args)
	case OpSetNodeAuthorization:
		var args SetNodeAuthorizationArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applySetNodeAuthorization(cmd.Caller, ts, &args)
	case OpEnrollSubject:
		var args EnrollSubjectArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applyEnrollSubject(cmd.Caller, ts, &args)
	case OpUpdateSubject:
		var args UpdateSubjectArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applyUpdateSubject(cmd.Caller, ts, &args)
	case OpDeactivateSubject:
		var args SubjectIDArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applySetSubjectActive(cmd.Caller, ts, args.SubjectID, false)
	case OpReactivateSubject:
		var args SubjectIDArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applySetSubjectActive(cmd.Caller, ts, args.SubjectID, true)
	case OpLogAuthentication:
		var args LogAuthenticationArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applyLogAuthentication(cmd.Caller, ts, &args)
	case OpTransferOwnership:
		var args TransferOwnershipArgs
		if err := json.Unmarshal(cmd.Args, &args); err != nil {
			return nil, fmt.Errorf("failed to decode %s args: %w", cmd.Op, err)
		}
		return r.applyTransferOwnership(cmd.Caller, ts, &args)
	default:
		return nil, fmt.Errorf("unknown operation: %s", cmd.Op)
	}
}

func (r *Registry) applyBootstrap(caller string, ts time.Time, args *BootstrapArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		if _, ok := tx.GetMetadata(storage.OwnerKey); ok {
			return NewError(KindDuplicateNode, "owner", "registry already bootstrapped")
		}
		if args.OwnerAddress == "" {
			return NewError(KindInvalidArgument, "owner_address", "owner address must not be empty")
		}

		owner := &storage.Node{
			Address:               args.OwnerAddress,
			Name:                  args.OwnerName,
			IsEnrollmentAuthority: true,
			IsAuthorized:          true,
			RegisteredAt:          ts,
		}
		if err := tx.PutNode(owner); err != nil {
			return err
		}
		if err := tx.SetMetadata(storage.OwnerKey, args.OwnerAddress); err != nil {
			return err
		}
		if _, err := tx.IncrementCounter(storage.TotalNodesKey); err != nil {
			return err
		}

		event = newEvent(EventOwnerBootstrapped, caller, ts, map[string]string{
			"owner": args.OwnerAddress,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Registry) applyRegisterNode(caller string, ts time.Time, args *RegisterNodeArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		if _, err := requireEnrollmentAuthority(tx, caller); err != nil {
			return err
		}
		if args.Address == "" {
			return NewError(KindInvalidArgument, "address", "node address must not be empty")
		}
		if _, err := tx.GetNode(args.Address); err == nil {
			return NewError(KindDuplicateNode, "address", "node already registered")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		node := &storage.Node{
			Address:               args.Address,
			Name:                  args.Name,
			IsEnrollmentAuthority: args.IsEnrollmentAuthority,
			IsAuthorized:          true,
			RegisteredAt:          ts,
		}
		if err := tx.PutNode(node); err != nil {
			return err
		}
		if _, err := tx.IncrementCounter(storage.TotalNodesKey); err != nil {
			return err
		}

		event = newEvent(EventNodeRegistered, caller, ts, map[string]string{
			"address":              args.Address,
			"enrollment_authority": fmt.Sprintf("%t", args.IsEnrollmentAuthority),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Registry) applySetNodeAuthorization(caller string, ts time.Time, args *SetNodeAuthorizationArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		if _, err := requireEnrollmentAuthority(tx, caller); err != nil {
			return err
		}

		node, err := tx.GetNode(args.Address)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindNotFound, "address", "node not registered")
		} else if err != nil {
			return err
		}

		if owner, _ := tx.GetMetadata(storage.OwnerKey); owner == args.Address {
			return NewError(KindUnauthorized, "address", "owner authorization can only change via ownership transfer")
		}

		node.IsAuthorized = args.Authorized
		if err := tx.PutNode(node); err != nil {
			return err
		}

		event = newEvent(EventNodeStatusChanged, caller, ts, map[string]string{
			"address":    args.Address,
			"authorized": fmt.Sprintf("%t", args.Authorized),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Registry) applyEnrollSubject(caller string, ts time.Time, args *EnrollSubjectArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		enroller, err := requireEnrollmentAuthority(tx, caller)
		if err != nil {
			return err
		}
		if args.SubjectID == "" {
			return NewError(KindInvalidArgument, "subject_id", "subject id must not be empty")
		}

		// Duplicate detection outranks argument validation: a taken id is
		// rejected the same way no matter what else the request carries.
		if _, err := tx.GetSubject(args.SubjectID); err == nil {
			return NewError(KindDuplicateSubject, "subject_id", "subject already enrolled")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if args.CommitmentHash == "" {
			return NewError(KindInvalidArgument, "commitment_hash", "commitment hash must not be empty")
		}
		if !args.BiometricType.Valid() {
			return NewError(KindInvalidArgument, "biometric_type", "unknown biometric type")
		}

		subject := &storage.Subject{
			ID:             args.SubjectID,
			CommitmentHash: args.CommitmentHash,
			Delta:          args.Delta,
			TemplateRef:    args.TemplateRef,
			BiometricType:  args.BiometricType,
			EnrolledBy:     caller,
			EnrolledAt:     ts,
			UpdatedAt:      ts,
			IsActive:       true,
		}
		if err := tx.PutSubject(subject); err != nil {
			return err
		}
		if err := tx.AppendSubjectIndex(caller, args.SubjectID); err != nil {
			return err
		}
		if _, err := tx.IncrementCounter(storage.TotalSubjectsKey); err != nil {
			return err
		}

		enroller.EnrollmentCount++
		if err := tx.PutNode(enroller); err != nil {
			return err
		}

		event = newEvent(EventSubjectEnrolled, caller, ts, map[string]string{
			"subject_id":     args.SubjectID,
			"biometric_type": string(args.BiometricType),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Registry) applyUpdateSubject(caller string, ts time.Time, args *UpdateSubjectArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		if _, err := requireEnrollmentAuthority(tx, caller); err != nil {
			return err
		}
		if args.CommitmentHash == "" {
			return NewError(KindInvalidArgument, "commitment_hash", "commitment hash must not be empty")
		}

		subject, err := tx.GetSubject(args.SubjectID)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindNotFound, "subject_id", "subject not enrolled")
		} else if err != nil {
			return err
		}
		if !subject.IsActive {
			return NewError(KindNotActive, "subject_id", "subject is deactivated")
		}

		subject.CommitmentHash = args.CommitmentHash
		subject.Delta = args.Delta
		subject.TemplateRef = args.TemplateRef
		subject.UpdatedAt = ts
		if err := tx.PutSubject(subject); err != nil {
			return err
		}

		event = newEvent(EventSubjectUpdated, caller, ts, map[string]string{
			"subject_id": args.SubjectID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Registry) applySetSubjectActive(caller string, ts time.Time, subjectID string, active bool) (*Event, error) {
	kind := EventSubjectDeactivated
	if active {
		kind = EventSubjectReactivated
	}

	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		if _, err := requireEnrollmentAuthority(tx, caller); err != nil {
			return err
		}

		subject, err := tx.GetSubject(subjectID)
		if errors.Is(err, storage.ErrNotFound) {
			return NewError(KindNotFound, "subject_id", "subject not enrolled")
		} else if err != nil {
			return err
		}

		subject.IsActive = active
		subject.UpdatedAt = ts
		if err := tx.PutSubject(subject); err != nil {
			return err
		}

		event = newEvent(kind, caller, ts, map[string]string{
			"subject_id": subjectID,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *Registry) applyLogAuthentication(caller string, ts time.Time, args *LogAuthenticationArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		if err := requireAuthorized(tx, caller); err != nil {
			return err
		}

		// Success and reason are caller-asserted; the registry records the
		// claim, it does not re-verify it.
		record := &storage.AuthRecord{
			SubjectID: args.SubjectID,
			Verifier:  caller,
			Success:   args.Success,
			Reason:    args.Reason,
			Timestamp: ts,
		}
		id, err := tx.AppendAuthRecord(record)
		if err != nil {
			return err
		}

		event = newEvent(EventAuthenticationLogged, caller, ts, map[string]string{
			"record_id":  fmt.Sprintf("%d", id),
			"subject_id": args.SubjectID,
			"success":    fmt.Sprintf("%t", args.Success),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.recorder != nil {
		r.recorder.Authentication(args.Success)
	}
	return event, nil
}

func (r *Registry) applyTransferOwnership(caller string, ts time.Time, args *TransferOwnershipArgs) (*Event, error) {
	var event *Event
	err := r.store.Mutate(func(tx *storage.Tx) error {
		owner, ok := tx.GetMetadata(storage.OwnerKey)
		if !ok || caller != owner {
			return NewError(KindUnauthorized, "caller", "only the owner may transfer ownership")
		}
		if args.NewOwner == "" {
			return NewError(KindInvalidArgument, "new_owner", "new owner address must not be empty")
		}
		if _, err := tx.GetNode(args.NewOwner); err == nil {
			return NewError(KindDuplicateNode, "new_owner", "new owner address already registered")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		node, err := tx.GetNode(owner)
		if err != nil {
			return err
		}

		// The record moves wholesale: capability flags and enrollment count
		// survive the transfer, the stale address does not.
		node.Address = args.NewOwner
		if err := tx.PutNode(node); err != nil {
			return err
		}
		if err := tx.DeleteNode(owner); err != nil {
			return err
		}
		if err := tx.SetMetadata(storage.OwnerKey, args.NewOwner); err != nil {
			return err
		}

		event = newEvent(EventOwnershipTransferred, caller, ts, map[string]string{
			"previous_owner": owner,
			"new_owner":      args.NewOwner,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func requireAuthorized(tx *storage.Tx, caller string) error {
	node, err := tx.GetNode(caller)
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

func requireEnrollmentAuthority(tx *storage.Tx, caller string) (*storage.Node, error) {
	node, err := tx.GetNode(caller)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NewError(KindUnauthorized, "caller", "caller is not a registered node")
	} else if err != nil {
		return nil, err
	}
	if !node.IsAuthorized || !node.IsEnrollmentAuthority {
		return nil, NewError(KindUnauthorized, "caller", "caller is not an authorized enrollment authority")
	}
	return node, nil
}
