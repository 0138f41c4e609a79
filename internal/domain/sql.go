package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB columns. Values are sent as text so PostgreSQL parses them as JSON
// rather than as bytea.

func scanJSON(src any, dest any) (bool, error) {
	var data []byte
	switch v := src.(type) {
	case nil:
		return false, nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return false, fmt.Errorf("cannot scan %T into JSON column", src)
	}
	if len(data) == 0 || string(data) == "null" {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

// Scan implements sql.Scanner.
func (c *CustomFields) Scan(src any) error {
	fields := CustomFields{}
	if _, err := scanJSON(src, &fields); err != nil {
		return fmt.Errorf("scan custom_fields: %w", err)
	}
	*c = fields
	return nil
}

// Value implements driver.Valuer.
func (c CustomFields) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner. NULL scans to nil rules.
func (r *Rules) Scan(src any) error {
	var rules Rules
	ok, err := scanJSON(src, &rules)
	if err != nil {
		return fmt.Errorf("scan rules: %w", err)
	}
	if !ok {
		rules = nil
	}
	*r = rules
	return nil
}

// Value implements driver.Valuer. Empty rules are stored as NULL.
func (r Rules) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
