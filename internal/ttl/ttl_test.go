package ttl

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/value"
)

func TestDisabledNeverExpires(t *testing.T) {
	f := Disabled()
	item := value.Item{"expiresAt": value.Timestamp(0)}
	require.False(t, f.Expired(item))
}

func TestNoAttributePresent(t *testing.T) {
	f := New("expiresAt", 1000)
	require.False(t, f.Expired(value.Item{"other": value.String("x")}))
}

func TestExpiredTimestamp(t *testing.T) {
	f := New("expiresAt", 1000)
	item := value.Item{"expiresAt": value.Timestamp(500_000)} // ms, so 500s
	require.True(t, f.Expired(item))
}

func TestNotYetExpiredTimestamp(t *testing.T) {
	f := New("expiresAt", 1000)
	item := value.Item{"expiresAt": value.Timestamp(2_000_000)} // 2000s
	require.False(t, f.Expired(item))
}

func TestExpiredNumberAttribute(t *testing.T) {
	f := New("ttl", 1000)
	require.True(t, f.Expired(value.Item{"ttl": value.Number("999")}))
	require.False(t, f.Expired(value.Item{"ttl": value.Number("1001")}))
}

func TestWrongKindIgnored(t *testing.T) {
	f := New("ttl", 1000)
	require.False(t, f.Expired(value.Item{"ttl": value.String("not-a-number")}))
}

func TestExactBoundaryIsExpired(t *testing.T) {
	f := New("ttl", 1000)
	require.True(t, f.Expired(value.Item{"ttl": value.Number("1000")}))
}
