package store

import (
	"fmt"
	"sort"
	"strings"
)

// Filter is a structured predicate evaluated by the store. A scalar value
// means equality; In and Eq wrap the explicit operators.
type Filter map[string]any

// In matches any of the given values.
type In []any

// Eq matches exactly the given value.
type Eq struct{ Value any }

// InStrings builds an In filter from a string slice.
func InStrings(values []string) In {
	in := make(In, len(values))
	for i, v := range values {
		in[i] = v
	}
	return in
}

// Options control result ordering and pagination.
type Options struct {
	Limit   int
	OrderBy string
	Desc    bool
}

// buildWhere translates a filter into a WHERE clause over the allowed
// field-to-column mapping. Unknown fields are rejected so a bad filter fails
// loudly instead of matching everything.
func buildWhere(columns map[string]string, f Filter) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	// Deterministic clause order keeps queries stable for tests and logs.
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var clauses []string
	var args []any
	for _, field := range keys {
		column, ok := columns[field]
		if !ok {
			return "", nil, fmt.Errorf("unknown filter field %q", field)
		}
		switch v := f[field].(type) {
		case In:
			if len(v) == 0 {
				clauses = append(clauses, "1=0")
				continue
			}
			clause, inArgs := inClause(column, v)
			clauses = append(clauses, clause)
			args = append(args, inArgs...)
		case Eq:
			clauses = append(clauses, column+"=?")
			args = append(args, v.Value)
		default:
			clauses = append(clauses, column+"=?")
			args = append(args, v)
		}
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

func inClause(column string, values In) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	copy(args, values)
	if column == "relationships" {
		// Relationships are stored as a JSON array; $in means "contains any".
		return fmt.Sprintf(`EXISTS (SELECT 1 FROM json_each(documents.relationships) WHERE json_each.value IN (%s))`, placeholders), args
	}
	return fmt.Sprintf("%s IN (%s)", column, placeholders), args
}
