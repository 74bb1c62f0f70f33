// Package models provides data structures used throughout the SQL gateway.
package models

// StatementKind tags a parsed SQL statement by its grammatical construct.
type StatementKind string

const (
	KindSelect   StatementKind = "select"
	KindInsert   StatementKind = "insert"
	KindReplace  StatementKind = "replace"
	KindUpdate   StatementKind = "update"
	KindDelete   StatementKind = "delete"
	KindDrop     StatementKind = "drop"
	KindTruncate StatementKind = "truncate"
	KindRename   StatementKind = "rename"
	KindCreate   StatementKind = "create"
	KindAlter    StatementKind = "alter"
	KindShow     StatementKind = "show"
	KindDescribe StatementKind = "describe"
	KindSet      StatementKind = "set"
	KindUse      StatementKind = "use"
	KindBegin    StatementKind = "begin"
	KindCommit   StatementKind = "commit"
	KindRollback StatementKind = "rollback"
	KindAdmin    StatementKind = "admin"
	KindUnknown  StatementKind = "unknown"
)

// String returns the lowercase tag.
func (k StatementKind) String() string {
	return string(k)
}

// KindStrings renders kinds for logs and metric labels.
func KindStrings(kinds []StatementKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
