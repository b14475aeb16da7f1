package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bioreg/bioreg/internal/storage"
)

// Op names the registry mutations. Every mutation travels as a Command so
// the replicated log applies an identical serialized history on every node.
type Op string

const (
	OpBootstrap            Op = "bootstrap"
	OpRegisterNode         Op = "register_node"
	OpSetNodeAuthorization Op = "set_node_authorization"
	OpEnrollSubject        Op = "enroll_subject"
	OpUpdateSubject        Op = "update_subject"
	OpDeactivateSubject    Op = "deactivate_subject"
	OpReactivateSubject    Op = "reactivate_subject"
	OpLogAuthentication    Op = "log_authentication"
	OpTransferOwnership    Op = "transfer_ownership"
)

// Command is one serialized mutation: operation name, authenticated caller
// address, submission timestamp, and typed arguments. The timestamp is
// assigned at submission so replicas apply identical state.
type Command struct {
	Op        Op              `json:"op"`
	Caller    string          `json:"caller"`
	Timestamp time.Time       `json:"timestamp"`
	Args      json.RawMessage `json:"args"`
}

// NewCommand builds a command for the given operation, marshalling args and
// stamping the submission time.
func NewCommand(op Op, caller string, args interface{}) (*Command, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s args: %w", op, err)
	}
	return &Command{
		Op:        op,
		Caller:    caller,
		Timestamp: time.Now().UTC(),
		Args:      data,
	}, nil
}

type BootstrapArgs struct {
	OwnerAddress string `json:"owner_address"`
	OwnerName    string `json:"owner_name"`
}

type RegisterNodeArgs struct {
	Address               string `json:"address"`
	Name                  string `json:"name"`
	IsEnrollmentAuthority bool   `json:"is_enrollment_authority"`
}

type SetNodeAuthorizationArgs struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

type EnrollSubjectArgs struct {
	SubjectID      string                `json:"subject_id"`
	CommitmentHash string                `json:"commitment_hash"`
	Delta          []byte                `json:"delta"`
	TemplateRef    string                `json:"template_ref"`
	BiometricType  storage.BiometricType `json:"biometric_type"`
}

type UpdateSubjectArgs struct {
	SubjectID      string `json:"subject_id"`
	CommitmentHash string `json:"commitment_hash"`
	Delta          []byte `json:"delta"`
	TemplateRef    string `json:"template_ref"`
}

type SubjectIDArgs struct {
	SubjectID string `json:"subject_id"`
}

type LogAuthenticationArgs struct {
	SubjectID string `json:"subject_id"`
	Success   bool   `json:"success"`
	Reason    string `json:"reason"`
}

type TransferOwnershipArgs struct {
	NewOwner string `json:"new_owner"`
}
