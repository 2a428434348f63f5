package zkfarmer

import (
	"fmt"
	"regexp"
	"strings"
)

// Filter decides whether a member Info belongs in an exported snapshot.
type Filter func(Info) bool

// A filter expression is a comma-separated list of predicates, spaces
// ignored. Each predicate is `path OP value` with OP one of
// = == != > >= < <=, a bare `path` (exists and is not null) or `!path`
// (does not exist or is null). Predicates are AND-combined.
var predicateRe = regexp.MustCompile(`^(!?)([^!=<>,\s]+)(?:(==|=|!=|>=|<=|>|<)(.*))?$`)

type predicate struct {
	path   string
	op     string // empty for existence predicates
	value  string
	negate bool
}

// NewFilter compiles a filter expression. An empty expression yields a
// filter that accepts everything. A predicate that does not match the
// grammar is a configuration error.
func NewFilter(expr string) (Filter, error) {
	expr = strings.ReplaceAll(expr, " ", "")
	if expr == "" {
		return func(Info) bool { return true }, nil
	}
	var predicates []predicate
	for _, token := range strings.Split(expr, ",") {
		m := predicateRe.FindStringSubmatch(token)
		if m == nil {
			return nil, fmt.Errorf("invalid filter predicate: %q", token)
		}
		p := predicate{path: m[2], op: m[3], value: m[4], negate: m[1] == "!"}
		if p.negate && p.op != "" {
			return nil, fmt.Errorf("invalid filter predicate: %q", token)
		}
		predicates = append(predicates, p)
	}
	return func(info Info) bool {
		for _, p := range predicates {
			if !p.match(info) {
				return false
			}
		}
		return true
	}, nil
}

func (p predicate) match(info Info) bool {
	v := dictGetPath(info, p.path)
	if p.op == "" {
		if p.negate {
			return v == nil
		}
		return v != nil
	}
	if v == nil {
		return false
	}
	if l, lok := asInt(v); lok {
		if r, rok := asInt(p.value); rok {
			return compareInt(l, r, p.op)
		}
	}
	return compareString(scalarString(v), p.value, p.op)
}

func compareInt(l, r int, op string) bool {
	switch op {
	case "=", "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	}
	return false
}

func compareString(l, r string, op string) bool {
	switch op {
	case "=", "==":
		return l == r
	case "!=":
		return l != r
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	}
	return false
}
