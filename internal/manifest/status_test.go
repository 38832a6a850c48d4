package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Next(t *testing.T) {
	want := map[Status]Status{
		Planned:   Archiving,
		Archiving: Archived,
		Archived:  Hashing,
		Hashing:   Hashed,
		Hashed:    Uploading,
		Uploading: Uploaded,
		Uploaded:  Verifying,
		Verifying: Verified,
	}
	for from, to := range want {
		next, ok := from.Next()
		require.True(t, ok, from)
		assert.Equal(t, to, next, from)
	}

	_, ok := Verified.Next()
	assert.False(t, ok)
	_, ok = Failed.Next()
	assert.False(t, ok)
}

func TestCanAdvance(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{Planned, Archiving, true},
		{Archiving, Archived, true},
		{Verifying, Verified, true},
		{Planned, Archived, false},   // skips archiving
		{Hashed, Archiving, false},   // backwards
		{Planned, Failed, false},     // not in progress
		{Archived, Failed, false},    // completed status
		{Archiving, Failed, true},    // interrupted stage
		{Verifying, Failed, true},    // verification failure
		{Verified, Verifying, false}, // terminal
		{Failed, Planned, false},     // only via retry
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanAdvance(tt.from, tt.to), "%s → %s", tt.from, tt.to)
	}
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, Verified.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Uploaded.Terminal())

	for _, s := range Stages {
		assert.True(t, s.InProgress(), s)
	}
	assert.False(t, Hashed.InProgress())

	assert.True(t, Failed.Valid())
	assert.False(t, Status("paused").Valid())
}

func TestRetryTarget(t *testing.T) {
	for stage, want := range map[Status]Status{
		Archiving: Planned,
		Hashing:   Archived,
		Uploading: Hashed,
		Verifying: Uploaded,
	} {
		got, err := RetryTarget(stage)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := RetryTarget(Hashed)
	assert.Error(t, err)
}

func TestParseStage(t *testing.T) {
	for in, want := range map[string]Status{
		"archive":   Archiving,
		"hashing":   Hashing,
		"upload":    Uploading,
		"verifying": Verifying,
	} {
		got, err := ParseStage(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseStage("planned")
	assert.Error(t, err)
}
