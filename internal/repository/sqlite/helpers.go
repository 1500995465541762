package sqlite

import (
	"database/sql"
	"encoding/json"
	"strings"
)

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// unmarshalMetadata decodes a nullable JSON object into a string map
func unmarshalMetadata(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// marshalMetadata encodes metadata as JSON. Empty maps are stored as NULL.
func marshalMetadata(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// splitActions splits a GROUP_CONCAT result
func splitActions(ns sql.NullString) []string {
	s := nullToString(ns)
	if s == "" {
		return nil
	}
	return strings.Split(s, actionSeparator)
}
