// Package sqlstore implements task.Store over database/sql. The postgres and
// sqlite packages supply a Dialect covering placeholders, row locking,
// timestamp encoding and driver error mapping; the state machine lives here.
package sqlstore

import (
	"strconv"
	"strings"
	"time"
)

// Dialect captures what differs between SQL backends.
type Dialect interface {
	// Name identifies the backend in logs.
	Name() string

	// Rebind rewrites a query written with ? placeholders.
	Rebind(query string) string

	// RowLock is appended to single-row selects made inside a transaction
	// before the row is updated.
	RowLock() string

	// ClaimLock is appended to the candidate select of a claim.
	ClaimLock() string

	// EncodeTime converts a timestamp to a driver argument.
	EncodeTime(t time.Time) any

	// DecodeTime converts a scanned non-NULL column to a UTC timestamp.
	DecodeTime(v any) (time.Time, error)

	// MapError translates driver errors into store errors.
	MapError(err error) error

	// Retryable reports whether err is a transient lock or serialization
	// failure worth retrying.
	Retryable(err error) bool
}

// RebindDollar rewrites ? placeholders as $1, $2, ... Queries in this package
// never contain a literal question mark.
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
