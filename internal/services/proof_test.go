package services

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/fitwager/coordinator/internal/models"
	"github.com/fitwager/coordinator/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHash_Deterministic(t *testing.T) {
	ts := time.UnixMilli(1717243200123)
	a := ComputeHash("alice", "c1", 12000, ts, "secret")
	b := ComputeHash("alice", "c1", 12000, ts, "secret")

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	_, err := hex.DecodeString(a)
	assert.NoError(t, err)
}

func TestComputeHash_SensitiveToEveryInput(t *testing.T) {
	ts := time.UnixMilli(1717243200123)
	base := ComputeHash("alice", "c1", 12000, ts, "secret")

	variants := map[string]string{
		"participant": ComputeHash("bob", "c1", 12000, ts, "secret"),
		"challenge":   ComputeHash("alice", "c2", 12000, ts, "secret"),
		"score":       ComputeHash("alice", "c1", 12001, ts, "secret"),
		"timestamp":   ComputeHash("alice", "c1", 12000, ts.Add(time.Millisecond), "secret"),
		"secret":      ComputeHash("alice", "c1", 12000, ts, "other-secret"),
	}
	for name, h := range variants {
		assert.NotEqual(t, base, h, "changing %s must change the hash", name)
	}
}

func TestComputeHash_KnownPreimage(t *testing.T) {
	// sha256("p:c:1:0:s")
	got := ComputeHash("p", "c", 1, time.UnixMilli(0), "s")
	assert.Equal(t, "21a36d5ca5eafa9e233812718073713629d3ba20fd073531996be53d0d8e80b3", got)
}

func TestHashToBytes(t *testing.T) {
	h := ComputeHash("alice", "c1", 1, time.UnixMilli(1), "s")

	b, err := HashToBytes(h)
	require.NoError(t, err)
	assert.Len(t, b, 32)
	assert.Equal(t, h, hex.EncodeToString(b))

	tests := []struct {
		name string
		in   string
	}{
		{name: "empty", in: ""},
		{name: "short", in: h[:62]},
		{name: "long", in: h + "00"},
		{name: "not hex", in: "zz" + h[2:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HashToBytes(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestProofService_VerifyProof(t *testing.T) {
	s := NewProofService(nil, "secret")
	ts := time.UnixMilli(1717243200000).UTC()

	v := &models.FitnessVerification{
		ChallengeID:     "c1",
		Identity:        "alice",
		CalculatedScore: 500,
		VerifiedAt:      ts,
		Hash:            s.GenerateProof("alice", "c1", 500, ts),
		HashVersion:     HashVersion,
	}
	assert.True(t, s.VerifyProof(v))

	tampered := *v
	tampered.CalculatedScore = 501
	assert.False(t, s.VerifyProof(&tampered))

	oldVersion := *v
	oldVersion.HashVersion = 0
	assert.False(t, s.VerifyProof(&oldVersion))

	assert.False(t, NewProofService(nil, "rotated").VerifyProof(v))
}

func TestProofService_Audit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	s := NewProofService(store, "secret")
	ts := time.UnixMilli(1717243200000).UTC()

	require.NoError(t, store.UpsertVerification(ctx, &models.FitnessVerification{
		ChallengeID:     "c1",
		Identity:        "alice",
		CalculatedScore: 700,
		VerifiedAt:      ts,
		Hash:            s.GenerateProof("alice", "c1", 700, ts),
		HashVersion:     HashVersion,
	}))

	res, err := s.Audit(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, res.StoredHash, res.ComputedHash)

	_, err = s.Audit(ctx, "c1", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}
