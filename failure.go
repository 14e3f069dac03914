package tidechat

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// ============================================================================
// Failure Taxonomy
// ============================================================================

// FailureKind discriminates the failure union. Callers switch on it to
// decide whether a retry affordance makes sense.
type FailureKind string

const (
	// FailureValidation: bad input, caught before any I/O.
	FailureValidation FailureKind = "validation"
	// FailureNetwork: transient connectivity problem. Reads mask these with
	// the cache when possible.
	FailureNetwork FailureKind = "network"
	// FailureServer: remote-side error, including anything unclassified.
	FailureServer FailureKind = "server"
	// FailureAuth: surfaced from the auth collaborator, never generated here.
	FailureAuth FailureKind = "auth"
)

// Well-known failure codes.
const (
	CodeTimeout     = "TIMEOUT"
	CodeUnsupported = "UNSUPPORTED"
	CodeNotFound    = "NOT_FOUND"
)

// Failure is the single error type crossing the repository boundary.
// Kind + Code + Message make the taxonomy exhaustive; Op tags the
// operation that produced it so the UI can label a retry.
type Failure struct {
	Kind    FailureKind
	Op      string
	Code    string
	Message string
	cause   error
}

func (f *Failure) Error() string {
	if f.Op != "" {
		return f.Op + ": " + string(f.Kind) + ": " + f.Message
	}
	return string(f.Kind) + ": " + f.Message
}

// Unwrap exposes the original error for errors.Is/As chains.
func (f *Failure) Unwrap() error { return f.cause }

// IsTransient reports whether the failure may succeed on retry.
func (f *Failure) IsTransient() bool {
	return f.Kind == FailureNetwork || f.Code == CodeTimeout
}

func validationFailure(op, message string) *Failure {
	return &Failure{Kind: FailureValidation, Op: op, Message: message}
}

func unsupportedFailure(op string) *Failure {
	return &Failure{Kind: FailureServer, Op: op, Code: CodeUnsupported, Message: "operation is not supported"}
}

// AsFailure extracts a *Failure from an error chain, if present.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if stderrors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// classify maps an arbitrary error from the remote layer onto the taxonomy.
// Remote errors keep their transient/server distinction; everything else is
// wrapped into a ServerFailure carrying the original message.
func classify(op string, err error) *Failure {
	if f, ok := AsFailure(err); ok {
		if f.Op == "" {
			f.Op = op
		}
		return f
	}

	var re *RemoteError
	if stderrors.As(err, &re) {
		kind := FailureServer
		if re.Transient {
			kind = FailureNetwork
		}
		return &Failure{Kind: kind, Op: op, Code: re.Code, Message: re.Message, cause: re}
	}

	wrapped := errors.WithMessage(err, op)
	return &Failure{Kind: FailureServer, Op: op, Message: err.Error(), cause: wrapped}
}
