package dgform

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies why a form was rejected.
type Kind int

const (
	// KindParse means the body could not be turned into a form tree.
	KindParse Kind = iota + 1
	// KindFormat means a field exists but does not match its literal pattern.
	KindFormat
	// KindRule means the values are well formed but break a business rule.
	KindRule
	// KindMissingSection means required sections are absent.
	KindMissingSection
	// KindMissingField means a required field inside a section is absent.
	KindMissingField
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "ParseError"
	case KindFormat:
		return "FormatError"
	case KindRule:
		return "RuleViolation"
	case KindMissingSection:
		return "MissingSectionError"
	case KindMissingField:
		return "MissingFieldError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Failure is the error returned for a rejected request.
type Failure struct {
	Kind Kind
	// Section names the form section that produced the failure. It is empty
	// for failures about the form as a whole.
	Section string
	Reason  string

	cause error
}

func (f *Failure) Error() string {
	if f.Section == "" {
		return f.Reason
	}
	return f.Section + ": " + f.Reason
}

func (f *Failure) Unwrap() error { return f.cause }

// IsKind reports whether err is a [*Failure] of the given kind.
func IsKind(err error, kind Kind) bool {
	var f *Failure
	return errors.As(err, &f) && f.Kind == kind
}

func failf(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func formatErr(format string, args ...any) *Failure  { return failf(KindFormat, format, args...) }
func ruleErr(format string, args ...any) *Failure    { return failf(KindRule, format, args...) }
func missingErr(format string, args ...any) *Failure { return failf(KindMissingField, format, args...) }

func (f *Failure) withCause(err error) *Failure {
	f.cause = err
	return f
}
