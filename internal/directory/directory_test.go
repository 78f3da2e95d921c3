package directory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"homebase.io/internal/directory"
	"homebase.io/internal/store/memory"
)

func TestCreateAndFind(t *testing.T) {
	dir, err := directory.New(memory.New())
	require.NoError(t, err)
	ctx := context.Background()

	u, err := dir.Create(ctx, directory.User{ID: "7", Email: " A@B.com ", PrimaryRole: "Agent"})
	require.NoError(t, err)
	require.Equal(t, "a@b.com", u.Email)
	require.Equal(t, "a@b.com", u.DisplayName)
	require.Equal(t, directory.RoleAgent, u.PrimaryRole)

	got, err := dir.Find(ctx, "7")
	require.NoError(t, err)
	require.Equal(t, u.Email, got.Email)

	_, err = dir.Find(ctx, "8")
	require.ErrorIs(t, err, directory.ErrNotFound)

	_, err = dir.Create(ctx, directory.User{ID: "7", Email: "x@b.com", PrimaryRole: directory.RoleLender})
	require.ErrorIs(t, err, directory.ErrConflict)
}

func TestCreateValidation(t *testing.T) {
	dir, err := directory.New(memory.New())
	require.NoError(t, err)
	ctx := context.Background()
	for _, u := range []directory.User{
		{Email: "a@b.com", PrimaryRole: directory.RoleAgent},
		{ID: "1", Email: "nope", PrimaryRole: directory.RoleAgent},
		{ID: "1", Email: "a@b.com", PrimaryRole: "admin"},
	} {
		_, err := dir.Create(ctx, u)
		require.ErrorIs(t, err, directory.ErrInvalidInput)
	}
}

func TestPrimaryRole(t *testing.T) {
	require.True(t, directory.RoleAgent.Professional())
	require.True(t, directory.RoleLender.Professional())
	require.False(t, directory.RoleHomeowner.Professional())
	require.False(t, directory.PrimaryRole("owner").Valid())
}
