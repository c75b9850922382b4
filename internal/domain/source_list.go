package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
)

// SourceList stores a deduplicated set of source names inside a JSON column.
type SourceList []string

// NewSourceList builds a sorted list with duplicates and blanks removed.
func NewSourceList(sources ...string) SourceList {
	var list SourceList
	for _, s := range sources {
		list = list.Add(s)
	}
	return list
}

// Add returns the list with source inserted in sorted position unless already present.
func (s SourceList) Add(source string) SourceList {
	if source == "" {
		return s
	}
	idx := sort.SearchStrings(s, source)
	if idx < len(s) && s[idx] == source {
		return s
	}
	s = append(s, "")
	copy(s[idx+1:], s[idx:])
	s[idx] = source
	return s
}

// Contains reports whether source is part of the list.
func (s SourceList) Contains(source string) bool {
	idx := sort.SearchStrings(s, source)
	return idx < len(s) && s[idx] == source
}

// Value implements driver.Valuer so SourceList can be stored as JSON.
func (s SourceList) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}

	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner to hydrate the SourceList from the database.
func (s *SourceList) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("domain.SourceList: unsupported type %T", value)
	}

	if len(raw) == 0 {
		*s = nil
		return nil
	}

	var parsed []string
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return err
	}
	*s = NewSourceList(parsed...)
	return nil
}
