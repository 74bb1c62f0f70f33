// Package services contains business logic implementations.
package services

import (
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// ddlKinds maps DDL actions to statement kinds.
var ddlKinds = map[string]models.StatementKind{
	sqlparser.CreateStr:        models.KindCreate,
	sqlparser.AlterStr:         models.KindAlter,
	sqlparser.DropStr:          models.KindDrop,
	sqlparser.RenameStr:        models.KindRename,
	sqlparser.TruncateStr:      models.KindTruncate,
	sqlparser.CreateVindexStr:  models.KindCreate,
	sqlparser.AddColVindexStr:  models.KindAlter,
	sqlparser.DropColVindexStr: models.KindAlter,
}

// leadingKeywords resolves statements the parser accepts without a
// dedicated node type.
var leadingKeywords = map[string]models.StatementKind{
	"select":   models.KindSelect,
	"insert":   models.KindInsert,
	"replace":  models.KindReplace,
	"update":   models.KindUpdate,
	"delete":   models.KindDelete,
	"create":   models.KindCreate,
	"alter":    models.KindAlter,
	"drop":     models.KindDrop,
	"rename":   models.KindRename,
	"truncate": models.KindTruncate,
	"show":     models.KindShow,
	"describe": models.KindDescribe,
	"desc":     models.KindDescribe,
	"explain":  models.KindDescribe,
}

// SQLStatementClassifier classifies MySQL-dialect SQL text with a real grammar.
// It holds no state and is safe for concurrent use.
type SQLStatementClassifier struct{}

// NewStatementClassifier creates a new statement classifier.
func NewStatementClassifier() *SQLStatementClassifier {
	return &SQLStatementClassifier{}
}

// Classify parses sql into its statements and returns their kinds in source
// order. Empty and comment-only pieces between semicolons are skipped; any
// other piece the grammar cannot parse fails the whole text.
func (c *SQLStatementClassifier) Classify(sql string) ([]models.StatementKind, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, errors.ErrEmptyQuery
	}

	pieces, err := sqlparser.SplitStatementToPieces(sql)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeParseFailed, "failed to split SQL")
	}

	var kinds []models.StatementKind
	for _, piece := range pieces {
		if isBlank(piece) {
			continue
		}
		stmt, err := sqlparser.Parse(piece)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeParseFailed, "failed to parse SQL")
		}
		kinds = append(kinds, kindOf(stmt))
	}

	if len(kinds) == 0 {
		return nil, errors.ErrEmptyQuery
	}
	return kinds, nil
}

// isBlank reports whether piece holds only whitespace, semicolons and
// ordinary comments. MySQL executable comments (/*! ... */) are never blank.
func isBlank(piece string) bool {
	// A trailing newline lets a final "-- note" be stripped.
	rest := sqlparser.StripLeadingComments(piece + "\n")
	return strings.Trim(rest, "; \t\r\n") == ""
}

func kindOf(stmt sqlparser.Statement) models.StatementKind {
	switch s := stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect, *sqlparser.Stream:
		return models.KindSelect
	case *sqlparser.Insert:
		if s.Action == sqlparser.ReplaceStr {
			return models.KindReplace
		}
		return models.KindInsert
	case *sqlparser.Update:
		return models.KindUpdate
	case *sqlparser.Delete:
		return models.KindDelete
	case *sqlparser.DDL:
		if kind, ok := ddlKinds[s.Action]; ok {
			return kind
		}
		return keywordKind(stmt)
	case *sqlparser.DBDDL:
		if kind, ok := ddlKinds[s.Action]; ok {
			return kind
		}
		return models.KindUnknown
	case *sqlparser.Show:
		return models.KindShow
	case *sqlparser.OtherRead:
		return models.KindDescribe
	case *sqlparser.OtherAdmin:
		return models.KindAdmin
	case *sqlparser.Set:
		return models.KindSet
	case *sqlparser.Use:
		return models.KindUse
	case *sqlparser.Begin:
		return models.KindBegin
	case *sqlparser.Commit:
		return models.KindCommit
	case *sqlparser.Rollback:
		return models.KindRollback
	default:
		return keywordKind(stmt)
	}
}

func keywordKind(stmt sqlparser.Statement) models.StatementKind {
	fields := strings.Fields(sqlparser.String(stmt))
	if len(fields) == 0 {
		return models.KindUnknown
	}
	if kind, ok := leadingKeywords[strings.ToLower(fields[0])]; ok {
		return kind
	}
	return models.KindUnknown
}
