package policy

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/promptwall/promptwall/internal/rules"
)

// Custom filters are small predicate expressions over detection fields,
// evaluated per detection: clauses of the form `field op value` joined by
// `&&`. Fields: rule_id, category, layer, severity, confidence. Ops:
// ==, !=, >=, <=, >, < (ordered ops compare confidence numerically and
// severity by rank).
//
//	severity >= high && category == prompt_injection

type filterClause struct {
	field string
	op    string
	value string
}

type filter []filterClause

var filterOps = []string{"==", "!=", ">=", "<=", ">", "<"}

func parseFilter(expr string) (filter, error) {
	var f filter
	for _, part := range strings.Split(expr, "&&") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty clause in %q", expr)
		}
		clause, err := parseClause(part)
		if err != nil {
			return nil, err
		}
		f = append(f, clause)
	}
	return f, nil
}

func parseClause(part string) (filterClause, error) {
	for _, op := range filterOps {
		idx := strings.Index(part, op)
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(part[:idx])
		value := strings.Trim(strings.TrimSpace(part[idx+len(op):]), `'"`)
		if field == "" || value == "" {
			return filterClause{}, fmt.Errorf("malformed clause %q", part)
		}
		switch field {
		case "rule_id", "category", "layer", "severity", "confidence":
		default:
			return filterClause{}, fmt.Errorf("unknown field %q", field)
		}
		return filterClause{field: field, op: op, value: value}, nil
	}
	return filterClause{}, fmt.Errorf("no operator in clause %q", part)
}

func (f filter) matches(d rules.Detection) (bool, error) {
	for _, c := range f {
		ok, err := c.matches(d)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c filterClause) matches(d rules.Detection) (bool, error) {
	switch c.field {
	case "rule_id":
		return compareString(d.RuleID, c.op, c.value)
	case "category":
		return compareString(d.Category, c.op, c.value)
	case "layer":
		return compareString(d.Layer, c.op, c.value)
	case "severity":
		want, err := rules.ParseSeverity(c.value)
		if err != nil {
			return false, err
		}
		return compareInt(d.Severity.Rank(), c.op, want.Rank()), nil
	case "confidence":
		want, err := strconv.ParseFloat(c.value, 64)
		if err != nil {
			return false, fmt.Errorf("confidence value %q: %w", c.value, err)
		}
		return compareFloat(d.Confidence, c.op, want), nil
	}
	return false, fmt.Errorf("unknown field %q", c.field)
}

func compareString(have, op, want string) (bool, error) {
	switch op {
	case "==":
		return have == want, nil
	case "!=":
		return have != want, nil
	}
	return false, fmt.Errorf("operator %q not valid for string field", op)
}

func compareInt(have int, op string, want int) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	case ">=":
		return have >= want
	case "<=":
		return have <= want
	case ">":
		return have > want
	case "<":
		return have < want
	}
	return false
}

func compareFloat(have float64, op string, want float64) bool {
	switch op {
	case "==":
		return have == want
	case "!=":
		return have != want
	case ">=":
		return have >= want
	case "<=":
		return have <= want
	case ">":
		return have > want
	case "<":
		return have < want
	}
	return false
}
