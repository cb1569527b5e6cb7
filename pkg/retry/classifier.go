package retry

import (
	"errors"
	"sort"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/winseros/SqlClient/pkg/types"
)

// defaultTransientErrors lists server error numbers that usually clear up on retry
var defaultTransientErrors = []int{
	1204,  // cannot obtain a lock resource
	1205,  // deadlock victim
	1222,  // lock request timeout
	49918, // not enough resources to process request
	49919, // too many create or update operations in progress
	49920, // too many operations in progress
	4060,  // cannot open database requested by the login
	4221,  // login to read-secondary failed during version transition
	40143, // service error processing the request
	40613, // database not currently available
	40501, // service busy
	40540, // service error processing the request
	40197, // service error processing the request
	10929, // resource governance: server too busy
	10928, // resource governance: limit reached
	10060, // network error establishing the connection
	997,   // overlapped I/O in progress during login
	233,   // no process on the other end of the pipe
}

// DefaultTransientErrors returns a fresh copy of the built-in transient codes
func DefaultTransientErrors() []int {
	out := make([]int, len(defaultTransientErrors))
	copy(out, defaultTransientErrors)
	return out
}

// TransientFaultClassifier decides whether a failure is eligible for retry
type TransientFaultClassifier struct {
	codes map[int]struct{}
}

// NewTransientFaultClassifier builds a classifier for the given codes.
// The codes replace the defaults entirely.
func NewTransientFaultClassifier(codes []int) *TransientFaultClassifier {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return &TransientFaultClassifier{codes: set}
}

// IsTransient reports whether err may succeed on a later attempt. Timeouts
// always qualify; server errors qualify when any reported code is in the
// configured set; everything else never does.
func (c *TransientFaultClassifier) IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	var coder types.ErrorCoder
	if errors.As(err, &coder) {
		for _, code := range coder.ErrorCodes() {
			if c.has(code) {
				return true
			}
		}
		return false
	}

	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return c.has(int(mysqlErr.Number))
	}

	return false
}

func (c *TransientFaultClassifier) has(code int) bool {
	_, ok := c.codes[code]
	return ok
}

// Codes returns the configured codes in ascending order
func (c *TransientFaultClassifier) Codes() []int {
	out := make([]int, 0, len(c.codes))
	for code := range c.codes {
		out = append(out, code)
	}
	sort.Ints(out)
	return out
}
