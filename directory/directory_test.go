package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolution(t *testing.T) {
	dir := NewStatic().
		AddUser("u-001", "alice@corp.example", "Alice Anders").
		AddUser("u-002", "bob@corp.example", "Bob Burke").
		SetManager("alice@corp.example", "bob@corp.example")
	ctx := context.Background()

	user, err := dir.GetUser(ctx, "alice@corp.example")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "Alice Anders", user.DisplayName)

	manager, err := dir.GetManager(ctx, "alice@corp.example")
	require.NoError(t, err)
	require.NotNil(t, manager)
	assert.Equal(t, "bob@corp.example", manager.Email)

	unknown, err := dir.GetUser(ctx, "nobody@corp.example")
	require.NoError(t, err)
	assert.Nil(t, unknown)

	orphan, err := dir.GetManager(ctx, "bob@corp.example")
	require.NoError(t, err)
	assert.Nil(t, orphan)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	roster := `users:
  - id: u-001
    email: alice@corp.example
    display_name: Alice Anders
    manager: bob@corp.example
  - id: u-002
    email: bob@corp.example
    display_name: Bob Burke
`
	require.NoError(t, os.WriteFile(path, []byte(roster), 0o644))

	dir, err := LoadFile(path)
	require.NoError(t, err)

	manager, err := dir.GetManager(context.Background(), "alice@corp.example")
	require.NoError(t, err)
	require.NotNil(t, manager)
	assert.Equal(t, "Bob Burke", manager.DisplayName)
}

func TestLoadFileRejectsMissingEmail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.yaml")
	require.NoError(t, os.WriteFile(path, []byte("users:\n  - id: u-001\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestUnresolvedSnapshot(t *testing.T) {
	u := Unresolved("carol@corp.example", "Carol")
	assert.True(t, u.Unresolved)
	assert.False(t, u.IsZero())
	assert.True(t, UserSnapshot{}.IsZero())
}
