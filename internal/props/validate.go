package props

import (
	"fmt"
	"net/http"
	"strings"
)

// Rule checks one property patch operation before it is applied.
type Rule interface {
	Validate(op PatchOp) error
	Name() string
}

// RuleError rejects a patch operation with a specific status.
type RuleError struct {
	Rule    string
	Status  int
	Message string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

// MaxValueSize limits the encoded size of a set value.
type MaxValueSize int

func (r MaxValueSize) Name() string { return "max-value-size" }

func (r MaxValueSize) Validate(op PatchOp) error {
	if op.Remove || r <= 0 {
		return nil
	}
	if len(op.Value.Inner) > int(r) {
		return &RuleError{
			Rule:    r.Name(),
			Status:  http.StatusInsufficientStorage,
			Message: fmt.Sprintf("value of %d bytes exceeds %d", len(op.Value.Inner), int(r)),
		}
	}
	return nil
}

// RequireName rejects operations on properties without a local name.
type RequireName struct{}

func (RequireName) Name() string { return "require-name" }

func (r RequireName) Validate(op PatchOp) error {
	if strings.TrimSpace(op.Value.XMLName.Local) == "" {
		return &RuleError{Rule: r.Name(), Status: http.StatusConflict, Message: "property name is empty"}
	}
	return nil
}

// DefaultRules are applied by every Store in addition to the ones passed with
// WithRules.
func DefaultRules() []Rule {
	return []Rule{RequireName{}}
}
