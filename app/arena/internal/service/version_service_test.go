package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVersionService(t *testing.T) *VersionService {
	t.Helper()
	s, err := NewVersionService(&VersionConfig{
		MinCompatible: "1.2.0",
		UpgradeURL:    "https://example.com/download",
		GracePeriod:   1500 * time.Millisecond,
	}, nil, nil)
	require.NoError(t, err)
	return s
}

func TestVersionServiceCheck(t *testing.T) {
	s := newTestVersionService(t)

	assert.Nil(t, s.Check("1.2.0"))
	assert.Nil(t, s.Check("1.3.5"))
	assert.Nil(t, s.Check("2.0.0"))

	mismatch := s.Check("1.1.9")
	require.NotNil(t, mismatch)
	assert.Equal(t, "1.2.0", mismatch.Expected)
	assert.Equal(t, "1.1.9", mismatch.Received)
	assert.NotEmpty(t, mismatch.Message)
}

func TestVersionServiceCheckMalformed(t *testing.T) {
	s := newTestVersionService(t)

	mismatch := s.Check("")
	require.NotNil(t, mismatch)
	assert.Equal(t, "unknown", mismatch.Received)

	mismatch = s.Check("not-a-version")
	require.NotNil(t, mismatch)
	assert.Equal(t, "not-a-version", mismatch.Received)
}

func TestVersionServiceInvalidMinVersion(t *testing.T) {
	_, err := NewVersionService(&VersionConfig{MinCompatible: "garbage"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestVersionServiceSetMinCompatible(t *testing.T) {
	s := newTestVersionService(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	var changes []VersionChange
	unsubscribe := s.Subscribe(func(change VersionChange) {
		changes = append(changes, change)
	})
	defer unsubscribe()

	require.NoError(t, s.SetMinCompatible("1.4.0"))

	assert.Equal(t, "1.4.0", s.RequiredVersion())
	assert.NotNil(t, s.Check("1.3.0"))
	assert.Nil(t, s.Check("1.4.0"))

	require.Len(t, changes, 1)
	assert.Equal(t, "1.4.0", changes[0].RequiredVersion)
	assert.Equal(t, "https://example.com/download", changes[0].UpgradeURL)
	assert.Equal(t, base.Add(1500*time.Millisecond), changes[0].DisconnectAt)

	err := s.SetMinCompatible("bogus")
	assert.ErrorIs(t, err, ErrInvalidVersion)
	require.Len(t, changes, 1)
}

func TestVersionServiceUnsubscribe(t *testing.T) {
	s := newTestVersionService(t)

	var count int
	unsubscribe := s.Subscribe(func(VersionChange) { count++ })
	unsubscribe()

	require.NoError(t, s.SetMinCompatible("2.0.0"))
	assert.Equal(t, 0, count)
}

func TestVersionServiceListenerPanicIsolated(t *testing.T) {
	s := newTestVersionService(t)

	var count int
	s.Subscribe(func(VersionChange) { panic("boom") })
	s.Subscribe(func(VersionChange) { count++ })

	require.NoError(t, s.SetMinCompatible("2.0.0"))
	assert.Equal(t, 1, count)
}
