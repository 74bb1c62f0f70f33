package services

import (
	"fmt"
	"strings"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
)

// PolicyMode selects how statement kinds are judged.
type PolicyMode string

const (
	// PolicyDenylist rejects only known mutating kinds.
	PolicyDenylist PolicyMode = "denylist"
	// PolicyAllowlist permits only select, show and describe.
	PolicyAllowlist PolicyMode = "allowlist"
)

// MutatingKinds is the denylist.
var MutatingKinds = []models.StatementKind{
	models.KindInsert,
	models.KindUpdate,
	models.KindDelete,
	models.KindDrop,
	models.KindTruncate,
	models.KindRename,
}

// ReadOnlyKinds is the allowlist.
var ReadOnlyKinds = []models.StatementKind{
	models.KindSelect,
	models.KindShow,
	models.KindDescribe,
}

// Policy decides whether a classified request may execute.
type Policy struct {
	mode  PolicyMode
	kinds map[models.StatementKind]struct{}
}

// NewPolicy creates a policy for mode. An empty mode means denylist.
func NewPolicy(mode PolicyMode) (*Policy, error) {
	mode = PolicyMode(strings.ToLower(strings.TrimSpace(string(mode))))
	var kinds []models.StatementKind
	switch mode {
	case "", PolicyDenylist:
		mode = PolicyDenylist
		kinds = MutatingKinds
	case PolicyAllowlist:
		kinds = ReadOnlyKinds
	default:
		return nil, errors.New(errors.CodeConfigInvalid, fmt.Sprintf("unknown policy mode %q", mode))
	}

	set := make(map[models.StatementKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &Policy{mode: mode, kinds: set}, nil
}

// Mode returns the policy mode.
func (p *Policy) Mode() PolicyMode {
	return p.mode
}

// Violations returns the kinds that make the request mutating, in input
// order. The request may run only when the result is empty.
func (p *Policy) Violations(kinds []models.StatementKind) []models.StatementKind {
	var out []models.StatementKind
	for _, k := range kinds {
		_, listed := p.kinds[k]
		if p.mode == PolicyAllowlist && !listed || p.mode == PolicyDenylist && listed {
			out = append(out, k)
		}
	}
	return out
}

// IsMutating reports whether any kind is forbidden.
func (p *Policy) IsMutating(kinds []models.StatementKind) bool {
	return len(p.Violations(kinds)) > 0
}
