package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB backs the Postgres jsonb routing column on credentials: free-form
// provider hints like project_id and profile_arn. Works with sqlx /
// database/sql.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (j *JSONB) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(b, j)
}

// String returns the string value stored under key, or "" when the key is
// absent, nil-mapped, or not a string.
func (j JSONB) String(key string) string {
	if j == nil {
		return ""
	}
	if v, ok := j[key].(string); ok {
		return v
	}
	return ""
}
