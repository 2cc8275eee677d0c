package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAPIKey(t *testing.T) {
	raw, hash, err := GenerateAPIKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, KeyPrefix))
	assert.Len(t, hash, 64)
	assert.Equal(t, HashAPIKey(raw), hash)

	other, _, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

func TestHashAPIKey_Stable(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashAPIKey("abc"))
}

func TestAPIKey_Expired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&APIKey{}).Expired(now))
	assert.True(t, (&APIKey{ExpiresAt: &past}).Expired(now))
	assert.True(t, (&APIKey{ExpiresAt: &now}).Expired(now))
	assert.False(t, (&APIKey{ExpiresAt: &future}).Expired(now))
}

func TestPrincipal_ActivePlan(t *testing.T) {
	plan, ok := (&Principal{Plan: "pro", PlanStatus: "active"}).ActivePlan()
	assert.True(t, ok)
	assert.Equal(t, "pro", plan)

	_, ok = (&Principal{Plan: "pro", PlanStatus: "cancelled"}).ActivePlan()
	assert.False(t, ok)

	_, ok = (&Principal{}).ActivePlan()
	assert.False(t, ok)
}

func TestRole_Valid(t *testing.T) {
	for _, r := range Roles() {
		assert.True(t, r.Valid(), r)
	}
	assert.False(t, Role("root").Valid())
}

func TestContextRoundTrip(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	ac := &AuthContext{Principal: &Principal{ID: 1}, Method: MethodBearer}
	ctx := NewContext(context.Background(), ac)
	assert.Same(t, ac, FromContext(ctx))
}
