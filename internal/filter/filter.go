// Package filter builds predicates over group access levels for the
// administrative listing endpoints.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"authsvc/internal/common"
	"authsvc/internal/model"
)

type Op string

const (
	OpEq   Op = "eq"
	OpGt   Op = "gt"
	OpLt   Op = "lt"
	OpGtEq Op = "gteq"
	OpLtEq Op = "lteq"
)

// ACLExpr compares a group's access level against a bound.
type ACLExpr struct {
	Op    Op
	Value int
}

func (e ACLExpr) eval(level int) bool {
	switch e.Op {
	case OpEq:
		return level == e.Value
	case OpGt:
		return level > e.Value
	case OpLt:
		return level < e.Value
	case OpGtEq:
		return level >= e.Value
	case OpLtEq:
		return level <= e.Value
	}
	return false
}

// Spec is a parsed listing filter. The zero value matches everything.
type Spec struct {
	GroupNames   []string
	ACLs         []ACLExpr
	MatchAllACLs bool
	MatchAll     bool
}

// Parse builds a Spec from raw query input. ACL expressions are op_value
// strings, e.g. "gt_5". Unknown ops or malformed values fail with
// ErrInvalidFilter; out-of-range values are accepted and simply never
// match conventional groups.
func Parse(groupNames, aclExprs []string, matchAllACLs, matchAll bool) (Spec, error) {
	spec := Spec{MatchAllACLs: matchAllACLs, MatchAll: matchAll}
	for _, name := range groupNames {
		name = strings.TrimSpace(name)
		if name != "" {
			spec.GroupNames = append(spec.GroupNames, name)
		}
	}
	for _, raw := range aclExprs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		expr, err := parseACL(raw)
		if err != nil {
			return Spec{}, err
		}
		spec.ACLs = append(spec.ACLs, expr)
	}
	return spec, nil
}

func parseACL(raw string) (ACLExpr, error) {
	parts := strings.SplitN(raw, "_", 2)
	if len(parts) != 2 {
		return ACLExpr{}, fmt.Errorf("%q: %w", raw, common.ErrInvalidFilter)
	}
	op := Op(strings.ToLower(parts[0]))
	switch op {
	case OpEq, OpGt, OpLt, OpGtEq, OpLtEq:
	default:
		return ACLExpr{}, fmt.Errorf("operator %q: %w", parts[0], common.ErrInvalidFilter)
	}
	value, err := strconv.Atoi(parts[1])
	if err != nil {
		return ACLExpr{}, fmt.Errorf("bound %q: %w", parts[1], common.ErrInvalidFilter)
	}
	return ACLExpr{Op: op, Value: value}, nil
}

// Empty reports whether the spec constrains nothing.
func (s Spec) Empty() bool {
	return len(s.GroupNames) == 0 && len(s.ACLs) == 0
}

// Matches evaluates the spec against a group. The ACL expressions combine
// under MatchAllACLs (AND, otherwise OR); group-name membership is its own
// predicate; the two combine under MatchAll. An absent category
// contributes the neutral element of the active combinator, and an
// entirely empty spec matches everything.
func (s Spec) Matches(g model.Group) bool {
	if s.Empty() {
		return true
	}

	aclMatch := s.MatchAllACLs
	for _, expr := range s.ACLs {
		hit := expr.eval(g.AccessLevel)
		if s.MatchAllACLs {
			aclMatch = aclMatch && hit
		} else {
			aclMatch = aclMatch || hit
		}
	}

	nameMatch := false
	for _, name := range s.GroupNames {
		if name == g.Name {
			nameMatch = true
			break
		}
	}

	switch {
	case len(s.ACLs) == 0:
		// neutral under AND is true, under OR it is false; either way the
		// decision falls to the name predicate.
		return nameMatch
	case len(s.GroupNames) == 0:
		return aclMatch
	case s.MatchAll:
		return aclMatch && nameMatch
	default:
		return aclMatch || nameMatch
	}
}
