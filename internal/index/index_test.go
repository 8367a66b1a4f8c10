package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/keystonedb/keystone/internal/key"
	"github.com/keystonedb/keystone/internal/value"
)

func TestDeriveLocalSecondaryIndex(t *testing.T) {
	defs := []Definition{{
		Name:          "by-status",
		Kind:          KindLocal,
		Projection:    ProjectAll,
		SortAttribute: "status",
	}}
	baseKey := key.NewWithSK([]byte("order#1"), []byte("item#5"))
	item := value.Item{"status": value.String("SHIPPED")}

	recs := Derive(defs, baseKey, item)
	require.Len(t, recs, 1)
	require.Equal(t, "by-status", recs[0].IndexName)
	require.Equal(t, []byte("order#1"), recs[0].Key.PK)
	require.Contains(t, string(recs[0].Key.SK), "SHIPPED")
	require.Contains(t, string(recs[0].Key.SK), "item#5")
}

func TestDeriveGlobalSecondaryIndex(t *testing.T) {
	defs := []Definition{{
		Name:               "by-email",
		Kind:               KindGlobal,
		Projection:         ProjectKeysOnly,
		PartitionAttribute: "email",
	}}
	baseKey := key.New([]byte("user#1"))
	item := value.Item{"email": value.String("a@example.com")}

	recs := Derive(defs, baseKey, item)
	require.Len(t, recs, 1)
	require.Equal(t, []byte("a@example.com"), recs[0].Key.PK)
	require.Nil(t, recs[0].Item)
}

func TestDeriveGlobalSkippedWhenAttributeMissing(t *testing.T) {
	defs := []Definition{{
		Name:               "by-email",
		Kind:               KindGlobal,
		PartitionAttribute: "email",
	}}
	recs := Derive(defs, key.New([]byte("user#1")), value.Item{"name": value.String("x")})
	require.Empty(t, recs)
}

func TestProjectInclude(t *testing.T) {
	defs := []Definition{{
		Name:          "by-status",
		Kind:          KindLocal,
		Projection:    ProjectInclude,
		Include:       []string{"status"},
		SortAttribute: "status",
	}}
	item := value.Item{"status": value.String("OPEN"), "secret": value.String("hide-me")}
	recs := Derive(defs, key.New([]byte("order#1")), item)
	require.Len(t, recs, 1)
	require.Contains(t, recs[0].Item, "status")
	require.NotContains(t, recs[0].Item, "secret")
}

func TestDeriveOnDeleteWithNoItemSkipsGSI(t *testing.T) {
	defs := []Definition{{Name: "by-email", Kind: KindGlobal, PartitionAttribute: "email"}}
	recs := Derive(defs, key.New([]byte("user#1")), nil)
	require.Empty(t, recs)
}
