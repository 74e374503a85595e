// Package ids defines the opaque, immutable document identifier shared by
// the workspace CRDT, the body CRDT manager, and the durable update store.
package ids

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// DocID is a 128-bit opaque identifier for a FileMetadata record. It is
// stable across renames, moves, and re-parenting
// and is never reused once assigned.
type DocID uuid.UUID

// Nil is the zero-value DocID, used to represent "no parent" (a root entry).
var Nil = DocID(uuid.Nil)

// New generates a fresh, globally-unique DocID.
func New() DocID {
	return DocID(uuid.New())
}

// Parse parses a DocID from its canonical string form.
func Parse(s string) (DocID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("ids: parsing DocID %q: %w", s, err)
	}

	return DocID(u), nil
}

// String returns the canonical hyphenated representation.
func (d DocID) String() string {
	return uuid.UUID(d).String()
}

// IsNil reports whether d is the null/root identifier.
func (d DocID) IsNil() bool {
	return d == Nil
}

// MarshalText implements encoding.TextMarshaler so DocID round-trips through
// JSON and YAML as a plain string.
func (d DocID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DocID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*d = parsed

	return nil
}

// Value implements driver.Valuer so DocID can be stored directly as a TEXT
// column in the SQLite update store.
func (d DocID) Value() (driver.Value, error) {
	if d.IsNil() {
		return nil, nil
	}

	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *DocID) Scan(src any) error {
	if src == nil {
		*d = Nil
		return nil
	}

	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}

		*d = parsed

		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}

		*d = parsed

		return nil
	default:
		return fmt.Errorf("ids: cannot scan %T into DocID", src)
	}
}
