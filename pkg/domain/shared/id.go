package shared

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is the identifier type for scan runs, jobs and chunks. It wraps a
// UUIDv4 and serializes as its canonical string form in SQL and JSON.
type ID struct {
	value uuid.UUID
}

// NewID returns a new random ID.
func NewID() ID {
	return ID{value: uuid.New()}
}

// ParseID parses the canonical string form.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID{value: u}, nil
}

// MustParseID parses s and panics on error. Test helper.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return id.value.String() }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id.value == uuid.Nil }

// Value implements driver.Valuer.
func (id ID) Value() (driver.Value, error) {
	return id.value.String(), nil
}

// Scan implements sql.Scanner.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		u, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		id.value = u
		return nil
	case []byte:
		u, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		id.value = u
		return nil
	default:
		return fmt.Errorf("cannot scan %T into ID", src)
	}
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("invalid id json")
	}
	u, err := uuid.Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	id.value = u
	return nil
}
