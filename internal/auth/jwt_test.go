package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RoundTrip(t *testing.T) {
	m := NewManager("secret", time.Hour)

	token, err := m.Generate(Identity{UserID: "u-1", Name: "Mina"})
	require.NoError(t, err)

	id, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u-1", Name: "Mina"}, id)
}

func TestManager_RejectsForeignSecret(t *testing.T) {
	token, err := NewManager("one", time.Hour).Generate(Identity{UserID: "u-1"})
	require.NoError(t, err)

	_, err = NewManager("two", time.Hour).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsExpired(t *testing.T) {
	m := NewManager("secret", time.Minute)
	issued := time.Now().Add(-time.Hour)
	m.now = func() time.Time { return issued }
	token, err := m.Generate(Identity{UserID: "u-1"})
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestManager_RejectsGarbage(t *testing.T) {
	_, err := NewManager("secret", time.Hour).Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
