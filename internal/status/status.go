// Package status models a result code, severity, and message together,
// the way the version set and compaction picker need to when a plain
// error cannot distinguish "retry later" from "sticky corruption" from
// "fatal, stop writes".
//
// Leaf packages keep returning sentinel errors wrapped with fmt.Errorf,
// as elsewhere in this module; Status is only constructed at the
// version-set and picker boundaries where severity actually changes
// caller behavior.
//
// Reference: RocksDB include/rocksdb/status.h
package status

import "errors"

// Code classifies the kind of result.
type Code int

// Status codes, mirroring the subset of RocksDB's Status::Code this
// module has a use for.
const (
	OK Code = iota
	NotFound
	Corruption
	NotSupported
	InvalidArgument
	IOError
	Incomplete
	Aborted
	Busy
)

// String returns the code's name.
func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NotFound"
	case Corruption:
		return "Corruption"
	case NotSupported:
		return "NotSupported"
	case InvalidArgument:
		return "InvalidArgument"
	case IOError:
		return "IOError"
	case Incomplete:
		return "Incomplete"
	case Aborted:
		return "Aborted"
	case Busy:
		return "Busy"
	default:
		return "Unknown"
	}
}

// Severity ranks how far a non-OK status should propagate.
type Severity int

const (
	// NoSeverity applies to OK and to ordinary recoverable errors.
	NoSeverity Severity = iota
	// Soft errors are recoverable without stopping writes, e.g. a single
	// background compaction retry.
	Soft
	// Hard errors require manual intervention (e.g. disk full) but do
	// not corrupt already-persisted state.
	Hard
	// Fatal errors leave the in-memory state inconsistent with what was
	// durably written; writes must stop until the DB is reopened.
	Fatal
	// Unrecoverable errors mean even reopening cannot be trusted to
	// repair the inconsistency.
	Unrecoverable
)

// String returns the severity's name.
func (s Severity) String() string {
	switch s {
	case NoSeverity:
		return "NoSeverity"
	case Soft:
		return "Soft"
	case Hard:
		return "Hard"
	case Fatal:
		return "Fatal"
	case Unrecoverable:
		return "Unrecoverable"
	default:
		return "Unknown"
	}
}

// Status is a code/severity/message triple that satisfies error. Err, if
// set, is the underlying cause and participates in errors.Is/As via
// Unwrap.
type Status struct {
	Code     Code
	Severity Severity
	Msg      string
	Err      error
}

// OKStatus is a convenience zero-value success status.
var OKStatus = Status{Code: OK}

// New constructs a non-OK status with no wrapped cause.
func New(code Code, msg string) *Status {
	return &Status{Code: code, Msg: msg}
}

// Wrap constructs a non-OK status carrying err as its cause.
func Wrap(code Code, err error, msg string) *Status {
	return &Status{Code: code, Msg: msg, Err: err}
}

// WithSeverity returns a copy of s with Severity set.
func (s *Status) WithSeverity(sev Severity) *Status {
	cp := *s
	cp.Severity = sev
	return &cp
}

// Error implements error.
func (s *Status) Error() string {
	if s == nil || s.Code == OK {
		return "OK"
	}
	if s.Msg == "" {
		return s.Code.String()
	}
	if s.Err != nil {
		return s.Code.String() + ": " + s.Msg + ": " + s.Err.Error()
	}
	return s.Code.String() + ": " + s.Msg
}

// Unwrap returns the wrapped cause, if any, for errors.Is/As.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.Err
}

// IsOK reports whether s represents success. A nil *Status is OK.
func (s *Status) IsOK() bool {
	return s == nil || s.Code == OK
}

// IsCorruption reports whether s is a Corruption status, the one status
// that recovery treats as sticky: once observed for a CF, that CF must
// not be brought back online without explicit repair.
func (s *Status) IsCorruption() bool {
	return s != nil && s.Code == Corruption
}

// Must panics if s is not OK. Used at call sites where a non-OK status
// is believed impossible.
func Must(s *Status) {
	if !s.IsOK() {
		panic(s.Error())
	}
}

// FromError converts a plain error into a Status. It recognizes a
// wrapped *Status via errors.As; otherwise it produces an IOError status
// with no severity, which is the safe default for an unclassified error
// that reached an I/O boundary.
func FromError(err error) *Status {
	if err == nil {
		return &OKStatus
	}
	var s *Status
	if errors.As(err, &s) {
		return s
	}
	return &Status{Code: IOError, Msg: err.Error(), Err: err}
}
