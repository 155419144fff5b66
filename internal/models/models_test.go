package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorResourceID(t *testing.T) {
	id, err := Descriptor{AccountID: " 111122223333 ", RoleARN: "arn:aws:iam::999999999999:role/X"}.ResourceID()
	require.NoError(t, err)
	assert.Equal(t, "111122223333", id, "account id wins over the ARN")

	id, err = Descriptor{RoleARN: "arn:aws-us-gov:iam::444455556666:role/Worker"}.ResourceID()
	require.NoError(t, err)
	assert.Equal(t, "444455556666", id)

	a, err := Descriptor{RoleARN: "opaque-role-ref"}.ResourceID()
	require.NoError(t, err)
	b, err := Descriptor{RoleARN: "opaque-role-ref"}.ResourceID()
	require.NoError(t, err)
	assert.Equal(t, a, b, "name based ids are deterministic")

	_, err = Descriptor{}.ResourceID()
	assert.Error(t, err)
}

func TestResourceStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := Resource{Status: StatusInUse, LastUpdated: now.Add(-2 * time.Hour)}
	assert.True(t, r.Stale(now, time.Hour))
	assert.False(t, r.Stale(now, 3*time.Hour))

	r.Status = StatusAvailable
	assert.False(t, r.Stale(now, time.Hour), "only leased resources go stale")
}
