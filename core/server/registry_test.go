package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateNameLeavesRecord(t *testing.T) {
	r := NewRegistry()
	original := peerRecord("A", RoleBoth, 5000)
	require.NoError(t, r.Register(original))

	impostor := peerRecord("A", RoleStorage, 6000)
	require.ErrorIs(t, r.Register(impostor), ErrAlreadyRegistered)

	got, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, original, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegisterDuplicateSourceDenied(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(peerRecord("A", RoleBoth, 5000)))
	require.ErrorIs(t, r.Register(peerRecord("B", RoleBoth, 5000)), ErrAlreadyRegistered)
}

func TestResolveSenderUsesObservedAddress(t *testing.T) {
	r := NewRegistry()
	rec := peerRecord("A", RoleBoth, 5000)
	rec.Host = "10.9.9.9"
	require.NoError(t, r.Register(rec))

	got, ok := r.ResolveSender(udpAddr(5000))
	require.True(t, ok)
	assert.Equal(t, "A", got.Name)

	_, ok = r.ResolveSender(udpAddr(5001))
	assert.False(t, ok)
	_, ok = r.ResolveSender(nil)
	assert.False(t, ok)
}

func TestDeregisterAndHeartbeat(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(peerRecord("B", RoleStorage, 5001)))

	now := time.Now().Add(time.Minute)
	assert.True(t, r.RecordHeartbeat("B", 4, now))
	assert.False(t, r.RecordHeartbeat("ghost", 1, now))

	got, _ := r.Get("B")
	assert.Equal(t, 4, got.ReportedChunks)
	assert.Equal(t, now, got.LastHeartbeat)

	_, err := r.Deregister("B")
	require.NoError(t, err)
	_, err = r.Deregister("B")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestExpired(t *testing.T) {
	r := NewRegistry()
	base := time.Now()

	a := peerRecord("A", RoleBoth, 5000)
	a.LastHeartbeat = base
	b := peerRecord("B", RoleStorage, 5001)
	b.LastHeartbeat = base.Add(-45 * time.Second)
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	expired := r.Expired(base, 30*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "B", expired[0].Name)
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("storage")
	require.NoError(t, err)
	assert.Equal(t, RoleStorage, role)
	assert.True(t, role.CanStore())
	assert.False(t, RoleOwner.CanStore())

	_, err = ParseRole("ADMIN")
	require.ErrorIs(t, err, ErrInvalidRole)
}
