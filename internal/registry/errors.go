package registry

import "fmt"

// Kind classifies a registry rejection. Every failed operation surfaces
// exactly one kind plus the field or precondition that failed.
type Kind string

const (
	KindUnauthorized     Kind = "unauthorized"
	KindInvalidArgument  Kind = "invalid_argument"
	KindDuplicateSubject Kind = "duplicate_subject"
	KindDuplicateNode    Kind = "duplicate_node"
	KindNotFound         Kind = "not_found"
	KindNotActive        Kind = "not_active"
)

type Error struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewError(kind Kind, field, message string) *Error {
	return &Error{Kind: kind, Field: field, Message: message}
}

// KindOf returns the rejection kind, or "" for non-registry errors.
func KindOf(err error) Kind {
	if re, ok := err.(*Error); ok {
		return re.Kind
	}
	return ""
}

func IsUnauthorized(err error) bool     { return KindOf(err) == KindUnauthorized }
func IsInvalidArgument(err error) bool  { return KindOf(err) == KindInvalidArgument }
func IsDuplicateSubject(err error) bool { return KindOf(err) == KindDuplicateSubject }
func IsDuplicateNode(err error) bool    { return KindOf(err) == KindDuplicateNode }
func IsNotFound(err error) bool         { return KindOf(err) == KindNotFound }
func IsNotActive(err error) bool        { return KindOf(err) == KindNotActive }
