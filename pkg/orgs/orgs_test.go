package orgs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewStore(db), mock, func() { db.Close() }
}

func orgRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "slug", "role", "created_at"}).
		AddRow(1, "Acme", "acme", RoleOwner, now).
		AddRow(2, "Globex", "globex", RoleOwner, now)
}

func TestOwnedOrganizations_FiltersOnMembershipRole(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("JOIN organization_members").
		WithArgs("alice", RoleOwner).
		WillReturnRows(orgRows(now))

	owned, err := store.OwnedOrganizations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "Acme", owned[0].Name)
	assert.Equal(t, RoleOwner, owned[0].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrganizations_AnyRole(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	now := time.Now()
	mock.ExpectQuery("JOIN organization_members").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "role", "created_at"}).
			AddRow(1, "Acme", "acme", RoleMember, now))

	all, err := store.Organizations(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, RoleMember, all[0].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnedOrganizations_EmptyResult(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("JOIN organization_members").
		WithArgs("ghost", RoleOwner).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "role", "created_at"}))

	owned, err := store.OwnedOrganizations(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, owned)
}

func TestOwnedOrganizations_QueryFailure(t *testing.T) {
	store, mock, cleanup := setupStore(t)
	defer cleanup()

	mock.ExpectQuery("JOIN organization_members").
		WithArgs("alice", RoleOwner).
		WillReturnError(errors.New("connection refused"))

	_, err := store.OwnedOrganizations(context.Background(), "alice")
	assert.Error(t, err)
}
