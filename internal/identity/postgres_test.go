package identity

import (
	"context"
	"errors"
	"testing"

	"sync-service/internal/party"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDirectory(t *testing.T) (*PostgresDirectory, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPostgresDirectory(mock), mock
}

var authorizeColumns = []string{"host_id", "visibility", "is_active", "member", "role", "is_banned"}

func TestAuthorize(t *testing.T) {
	d, mock := setupMockDirectory(t)
	defer mock.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		row  []any
		want party.Access
	}{
		{"host of private party", []any{"u1", "private", true, false, "", false}, party.AccessGranted},
		{"public party", []any{"host", "public", true, false, "", false}, party.AccessGranted},
		{"participant of private party", []any{"host", "private", true, true, "viewer", false}, party.AccessGranted},
		{"stranger to private party", []any{"host", "private", true, false, "", false}, party.AccessForbidden},
		{"banned from public party", []any{"host", "public", true, true, "viewer", true}, party.AccessBanned},
		{"ended party", []any{"u1", "public", false, false, "", false}, party.AccessForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock.ExpectQuery("FROM watch_parties p").
				WithArgs("p1", "u1").
				WillReturnRows(pgxmock.NewRows(authorizeColumns).AddRow(tt.row...))

			got, err := d.Authorize(ctx, "p1", "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown party", func(t *testing.T) {
		mock.ExpectQuery("FROM watch_parties p").
			WithArgs("nope", "u1").
			WillReturnError(pgx.ErrNoRows)

		got, err := d.Authorize(ctx, "nope", "u1")
		require.NoError(t, err)
		assert.Equal(t, party.AccessForbidden, got)
	})

	t.Run("database error", func(t *testing.T) {
		mock.ExpectQuery("FROM watch_parties p").
			WithArgs("p1", "u1").
			WillReturnError(errors.New("connection reset"))

		_, err := d.Authorize(ctx, "p1", "u1")
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsHost(t *testing.T) {
	d, mock := setupMockDirectory(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery("SELECT host_id FROM watch_parties").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"host_id"}).AddRow("u1"))
	ok, err := d.IsHost(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectQuery("SELECT host_id FROM watch_parties").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"host_id"}).AddRow("u2"))
	ok, err = d.IsHost(ctx, "p1", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery("SELECT host_id FROM watch_parties").
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)
	ok, err = d.IsHost(ctx, "gone", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery("SELECT host_id FROM watch_parties").
		WithArgs("gone").
		WillReturnError(pgx.ErrNoRows)
	_, err = d.Host(ctx, "gone")
	assert.ErrorIs(t, err, ErrPartyNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRole(t *testing.T) {
	d, mock := setupMockDirectory(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery("SELECT role FROM party_participants").
		WithArgs("p1", "mod").
		WillReturnRows(pgxmock.NewRows([]string{"role"}).AddRow(party.RoleModerator))
	role, err := d.Role(ctx, "p1", "mod")
	require.NoError(t, err)
	assert.Equal(t, party.RoleModerator, role)

	mock.ExpectQuery("SELECT role FROM party_participants").
		WithArgs("p1", "nobody").
		WillReturnError(pgx.ErrNoRows)
	role, err = d.Role(ctx, "p1", "nobody")
	require.NoError(t, err)
	assert.Empty(t, role)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleFeedsArbiter(t *testing.T) {
	d, mock := setupMockDirectory(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery("SELECT host_id FROM watch_parties").
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows([]string{"host_id"}).AddRow("host"))
	mock.ExpectQuery("SELECT role FROM party_participants").
		WithArgs("p1", "mod").
		WillReturnRows(pgxmock.NewRows([]string{"role"}).AddRow(party.RoleModerator))

	ok, err := party.NewArbiter(d).CanControl(ctx, "p1", "mod")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUser(t *testing.T) {
	d, mock := setupMockDirectory(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectQuery("FROM user_profiles").
		WithArgs("u1").
		WillReturnRows(pgxmock.NewRows([]string{"username", "display_name"}).AddRow("neo", "Thomas Anderson"))
	u, err := d.User(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, party.User{ID: "u1", Username: "neo", DisplayName: "Thomas Anderson"}, u)

	mock.ExpectQuery("FROM user_profiles").
		WithArgs("u2").
		WillReturnError(pgx.ErrNoRows)
	u, err = d.User(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, party.User{ID: "u2", Username: "u2", DisplayName: "u2"}, u)

	mock.ExpectQuery("FROM user_profiles").
		WithArgs("u3").
		WillReturnError(errors.New("timeout"))
	_, err = d.User(ctx, "u3")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoMigrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS watch_parties").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS party_participants").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_profiles").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, AutoMigrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}
