package task

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewID generates a task id for the given role. IDs carry the role for
// readability plus a random suffix for uniqueness; they have no ordering
// semantics, so concurrent creators never contend on a sequence.
func NewID(role Role) string {
	return fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
}

// RoleFromID extracts the role prefix from a task id, if present.
// Returns ok=false for ids that do not follow the <role>-<suffix> shape.
func RoleFromID(id string) (Role, bool) {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 {
		return "", false
	}
	r := Role(id[:idx])
	if !ValidRole(r) {
		return "", false
	}
	return r, true
}
