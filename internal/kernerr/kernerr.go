// Package kernerr defines the numeric OsError space shared by syscalls,
// hypercalls, and internal component errors.
package kernerr

import (
	"errors"
	"fmt"
)

// Code is the x7-register error convention used across the syscall and
// hypercall ABIs.
type Code uint64

const (
	Ok              Code = 0
	Unknown         Code = 1
	NoEntry         Code = 2
	NoMemory        Code = 3
	NoVmSpace       Code = 4
	NoAccess        Code = 5
	BadAddress      Code = 6
	FileExists      Code = 7
	InvalidArgument Code = 8
	Waiting         Code = 9
)

var names = map[Code]string{
	Ok:              "Ok",
	Unknown:         "Unknown",
	NoEntry:         "NoEntry",
	NoMemory:        "NoMemory",
	NoVmSpace:       "NoVmSpace",
	NoAccess:        "NoAccess",
	BadAddress:      "BadAddress",
	FileExists:      "FileExists",
	InvalidArgument: "InvalidArgument",
	Waiting:         "Waiting",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", uint64(c))
}

// OsError adapts a Code to the standard error interface so internal
// component code can return ordinary Go errors while syscall/hypercall
// dispatch can still recover the exact register value to write to x7.
type OsError struct {
	Code Code
	// Op names the operation that failed, e.g. "alloc", "add_region".
	Op string
}

func New(code Code, op string) *OsError {
	return &OsError{Code: code, Op: op}
}

func (e *OsError) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code.String())
}

// CodeOf extracts the register-level Code from any error, defaulting to
// Unknown for errors that did not originate from this package.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var oe *OsError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return Unknown
}
