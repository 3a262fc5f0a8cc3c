package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/crew/internal/task"
)

func TestParseRoleCount(t *testing.T) {
	role, count, err := parseRoleCount("implementer=2")
	require.NoError(t, err)
	assert.Equal(t, task.RoleImplementer, role)
	assert.Equal(t, 2, count)

	_, _, err = parseRoleCount("implementer")
	assert.ErrorContains(t, err, "expected <role>=<count>")

	_, _, err = parseRoleCount("wizard=1")
	assert.ErrorContains(t, err, "unknown role")

	_, _, err = parseRoleCount("tester=lots")
	assert.ErrorContains(t, err, "not a number")
}

func TestResolveWorktree(t *testing.T) {
	orig := worktree
	defer func() { worktree = orig }()

	worktree = t.TempDir()
	abs, err := resolveWorktree()
	require.NoError(t, err)
	assert.Equal(t, worktree, abs)

	worktree = "/definitely/not/a/real/path"
	_, err = resolveWorktree()
	assert.Error(t, err)
}
