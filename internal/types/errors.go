package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a LatticeError. It is never
// returned bare: every LatticeError carries the offending
// table/column/row where applicable, per the error handling design.
type ErrorKind string

const (
	KindOpenFailed          ErrorKind = "OpenFailed"
	KindSchemaInvalid       ErrorKind = "SchemaInvalid"
	KindSchemaConflict      ErrorKind = "SchemaConflict"
	KindMigrationFailed     ErrorKind = "MigrationFailed"
	KindConstraintViolation ErrorKind = "ConstraintViolation"
	KindNotFound            ErrorKind = "NotFound"
	KindTransactionMisuse   ErrorKind = "TransactionMisuse"
	KindQueryInvalid        ErrorKind = "QueryInvalid"
	KindIOError             ErrorKind = "IOError"
)

// LatticeError is the concrete error type returned by every engine
// operation that can fail for a classified reason.
type LatticeError struct {
	Kind   ErrorKind
	Table  string
	Column string
	RowID  int64
	Msg    string
	Err    error
}

func (e *LatticeError) Error() string {
	loc := e.Table
	if e.Column != "" {
		loc += "." + e.Column
	}
	if e.RowID != 0 {
		loc = fmt.Sprintf("%s#%d", loc, e.RowID)
	}
	if loc != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Msg, loc, e.Err)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, loc)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *LatticeError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, types.KindNotFound)-style matching by
// comparing the sentinel kind values constructed via New(kind, "").
func (e *LatticeError) Is(target error) bool {
	var other *LatticeError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a LatticeError with no location context.
func New(kind ErrorKind, msg string) *LatticeError {
	return &LatticeError{Kind: kind, Msg: msg}
}

// Wrap builds a LatticeError that wraps an underlying error.
func Wrap(kind ErrorKind, msg string, err error) *LatticeError {
	return &LatticeError{Kind: kind, Msg: msg, Err: err}
}

// WithTable returns a copy of e annotated with a table name.
func (e *LatticeError) WithTable(table string) *LatticeError {
	c := *e
	c.Table = table
	return &c
}

// WithColumn returns a copy of e annotated with a column name.
func (e *LatticeError) WithColumn(column string) *LatticeError {
	c := *e
	c.Column = column
	return &c
}

// WithRow returns a copy of e annotated with a row id.
func (e *LatticeError) WithRow(rowID int64) *LatticeError {
	c := *e
	c.RowID = rowID
	return &c
}

// Sentinels for errors.Is matching against a bare kind.
var (
	ErrNotFound          = New(KindNotFound, "row not found")
	ErrTransactionMisuse = New(KindTransactionMisuse, "invalid transaction use")
	ErrReentrantWrite    = New(KindTransactionMisuse, "reentrant write from observer callback")
)
