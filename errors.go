package aria

import "fmt"

// ErrorKind classifies runtime errors per the four kinds in the error
// handling design: transient, invariant, policy, not-found.
type ErrorKind string

const (
	KindTransient ErrorKind = "transient"
	KindInvariant ErrorKind = "invariant"
	KindPolicy    ErrorKind = "policy"
	KindNotFound  ErrorKind = "not_found"
)

// Error is the core's structured error type. Op names the failing
// operation (e.g. "memory_manager.store"); Code is a stable machine-readable
// string surfaced to JSON-RPC callers.
type Error struct {
	Kind    ErrorKind
	Code    string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("aria: %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("aria: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Well-known application error codes.
const (
	CodeInvalidPersona      = "INVALID_PERSONA"
	CodeEmbedderUnavailable = "EMBEDDER_UNAVAILABLE"
	CodePruneInProgress     = "PRUNE_IN_PROGRESS"
	CodeInternal            = "INTERNAL"
	CodeMemoryNotFound      = "MEMORY_NOT_FOUND"
)

func errInvalidPersona(op, personaID string) error {
	return &Error{Kind: KindNotFound, Code: CodeInvalidPersona, Op: op, Message: "unknown persona: " + personaID}
}

func errEmbedderUnavailable(op string, cause error) error {
	return &Error{Kind: KindTransient, Code: CodeEmbedderUnavailable, Op: op, Message: "embedder unavailable", Err: cause}
}

func errPruneInProgress(op, personaID string) error {
	return &Error{Kind: KindPolicy, Code: CodePruneInProgress, Op: op, Message: "prune already in progress for " + personaID}
}

func errMemoryNotFound(op string, id int64) error {
	return &Error{Kind: KindNotFound, Code: CodeMemoryNotFound, Op: op, Message: fmt.Sprintf("memory %d not found", id)}
}

func errInvariant(op, message string) error {
	return &Error{Kind: KindInvariant, Code: CodeInternal, Op: op, Message: message}
}

func errInternal(op string, cause error) error {
	return &Error{Kind: KindTransient, Code: CodeInternal, Op: op, Message: "internal error", Err: cause}
}
