package predicate

import (
	"fmt"
	"strings"
)

// Operator is the binary operator of a Predicate.
type Operator string

const (
	Eq       Operator = "=="
	Ne       Operator = "!="
	Lt       Operator = "<"
	Le       Operator = "<="
	Gt       Operator = ">"
	Ge       Operator = ">="
	And      Operator = "&&"
	Or       Operator = "||"
	Contains Operator = "CONTAINS"
	Included Operator = "INCLUDED"
	Neg      Operator = "NEG"
)

// shortOperators maps the single character forms accepted on the wire.
var shortOperators = map[string]Operator{
	"=": Eq,
	"~": Ne,
	"<": Lt,
	"[": Le,
	">": Gt,
	"]": Ge,
	"&": And,
	"|": Or,
	"}": Contains,
	"{": Included,
}

var longOperators = map[string]Operator{
	string(Eq):       Eq,
	string(Ne):       Ne,
	string(Lt):       Lt,
	string(Le):       Le,
	string(Gt):       Gt,
	string(Ge):       Ge,
	string(And):      And,
	string(Or):       Or,
	string(Contains): Contains,
	string(Included): Included,
	string(Neg):      Neg,
}

// ParseOperator returns the Operator for its long ("==", "CONTAINS") or
// short ("=", "}") textual form. Long forms are case-insensitive.
func ParseOperator(s string) (Operator, error) {
	if op, ok := longOperators[strings.ToUpper(s)]; ok {
		return op, nil
	}
	if op, ok := shortOperators[s]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown predicate operator %q", s)
}

// IsOrdering returns true for lt, le, gt and ge.
func (op Operator) IsOrdering() bool {
	switch op {
	case Lt, Le, Gt, Ge:
		return true
	default:
		return false
	}
}

func (op Operator) String() string { return string(op) }
