package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// SlotStatusList is a TEXT[] parameter of slot statuses
type SlotStatusList []SlotStatus

// Value implements the driver.Valuer interface
func (a SlotStatusList) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	values := make([]string, len(a))
	for i, s := range a {
		values[i] = string(s)
	}
	return pq.Array(values).Value()
}

// HoldStateList is a TEXT[] parameter of hold states
type HoldStateList []HoldState

// Value implements the driver.Valuer interface
func (a HoldStateList) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	values := make([]string, len(a))
	for i, s := range a {
		values[i] = string(s)
	}
	return pq.Array(values).Value()
}

// Contains reports whether state is in the list
func (a HoldStateList) Contains(state HoldState) bool {
	for _, s := range a {
		if s == state {
			return true
		}
	}
	return false
}

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
}
