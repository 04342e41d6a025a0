package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BaseModel contains common fields for all models
type BaseModel struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// CompanyModel extends BaseModel with company ownership
type CompanyModel struct {
	BaseModel
	CompanyID uuid.UUID `json:"companyId" db:"company_id"`
}

// Variables represents a JSON object for storing arbitrary data
type Variables map[string]interface{}

// Value implements driver.Valuer interface
func (v Variables) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Scan implements sql.Scanner interface
func (v *Variables) Scan(value interface{}) error {
	if value == nil {
		*v = make(Variables)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return fmt.Errorf("cannot scan %T into Variables", value)
	}
}

// Clone returns a shallow copy of v.
func (v Variables) Clone() Variables {
	if v == nil {
		return nil
	}
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// String returns the string stored under key, or "".
func (v Variables) String(key string) string {
	if v == nil {
		return ""
	}
	switch s := v[key].(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

// Bool returns the bool stored under key.
func (v Variables) Bool(key string) bool {
	b, _ := v[key].(bool)
	return b
}

// Uint32 returns the number stored under key. JSON numbers decode as float64,
// so both forms are accepted.
func (v Variables) Uint32(key string) uint32 {
	switch n := v[key].(type) {
	case float64:
		return uint32(n)
	case int:
		return uint32(n)
	case int64:
		return uint32(n)
	case uint32:
		return n
	case json.Number:
		i, _ := n.Int64()
		return uint32(i)
	}
	return 0
}

// Map returns the nested object stored under key.
func (v Variables) Map(key string) Variables {
	switch m := v[key].(type) {
	case Variables:
		return m
	case map[string]interface{}:
		return Variables(m)
	}
	return nil
}

// Slice returns the nested array of objects stored under key.
func (v Variables) Slice(key string) []Variables {
	raw, ok := v[key].([]interface{})
	if !ok {
		if typed, ok := v[key].([]Variables); ok {
			return typed
		}
		return nil
	}
	out := make([]Variables, 0, len(raw))
	for _, item := range raw {
		switch m := item.(type) {
		case map[string]interface{}:
			out = append(out, Variables(m))
		case Variables:
			out = append(out, m)
		}
	}
	return out
}
