package party

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockIdentity struct {
	mock.Mock
}

func (m *MockIdentity) IsHost(ctx context.Context, partyID, userID string) (bool, error) {
	args := m.Called(ctx, partyID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdentity) Role(ctx context.Context, partyID, userID string) (string, error) {
	args := m.Called(ctx, partyID, userID)
	return args.String(0), args.Error(1)
}

func TestArbiterCanControl(t *testing.T) {
	ctx := context.Background()

	t.Run("host", func(t *testing.T) {
		id := new(MockIdentity)
		id.On("IsHost", ctx, "p1", "host").Return(true, nil)

		ok, err := NewArbiter(id).CanControl(ctx, "p1", "host")
		assert.NoError(t, err)
		assert.True(t, ok)
		id.AssertNotCalled(t, "Role", ctx, "p1", "host")
	})

	t.Run("moderator", func(t *testing.T) {
		id := new(MockIdentity)
		id.On("IsHost", ctx, "p1", "mod").Return(false, nil)
		id.On("Role", ctx, "p1", "mod").Return(RoleModerator, nil)

		ok, err := NewArbiter(id).CanControl(ctx, "p1", "mod")
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("viewer", func(t *testing.T) {
		id := new(MockIdentity)
		id.On("IsHost", ctx, "p1", "viewer").Return(false, nil)
		id.On("Role", ctx, "p1", "viewer").Return("viewer", nil)

		ok, err := NewArbiter(id).CanControl(ctx, "p1", "viewer")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("lookup is never cached", func(t *testing.T) {
		id := new(MockIdentity)
		id.On("IsHost", ctx, "p1", "u").Return(true, nil).Once()
		id.On("IsHost", ctx, "p1", "u").Return(false, nil).Once()
		id.On("Role", ctx, "p1", "u").Return("", nil).Once()

		a := NewArbiter(id)
		ok, _ := a.CanControl(ctx, "p1", "u")
		assert.True(t, ok)
		ok, _ = a.CanControl(ctx, "p1", "u")
		assert.False(t, ok)
		id.AssertExpectations(t)
	})

	t.Run("identity failure denies", func(t *testing.T) {
		id := new(MockIdentity)
		id.On("IsHost", ctx, "p1", "u").Return(false, errors.New("db down"))

		ok, err := NewArbiter(id).CanControl(ctx, "p1", "u")
		assert.Error(t, err)
		assert.False(t, ok)
	})

	t.Run("anonymous", func(t *testing.T) {
		ok, err := NewArbiter(new(MockIdentity)).CanControl(ctx, "p1", "")
		assert.NoError(t, err)
		assert.False(t, ok)
	})
}
