package registry_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalalune/babylon-train/internal/registry"
	"github.com/lalalune/babylon-train/internal/store"
)

const lineage = "babylon-agent"

func record(t *testing.T, reg *registry.Registry, version, baseModel string) {
	t.Helper()
	_, err := reg.Record(context.Background(), registry.RecordInput{
		LineageID:     lineage,
		Version:       version,
		BaseModel:     baseModel,
		CheckpointRef: "ckpt://" + version,
		BatchID:       uuid.New(),
	})
	require.NoError(t, err)
}

func TestParseAndCompare(t *testing.T) {
	v, err := registry.Parse("1.2.7")
	require.NoError(t, err)
	assert.Equal(t, registry.Version{Major: 1, Minor: 2, Patch: 7}, v)
	assert.Equal(t, "1.2.7", v.String())

	for _, bad := range []string{"1.2", "1.2.3.4", "a.b.c", "1.-2.3", ""} {
		_, err := registry.Parse(bad)
		assert.Error(t, err, bad)
	}

	a, _ := registry.Parse("1.2.7")
	b, _ := registry.Parse("1.3.0")
	assert.Equal(t, -1, registry.Compare(a, b))
	assert.Equal(t, 1, registry.Compare(b, a))
	assert.Equal(t, 0, registry.Compare(a, a))
}

func TestNextStartsAtFirstVersion(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	next, err := reg.Next(context.Background(), lineage, false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", next)
}

func TestNextBumpsPatchByDefault(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	record(t, reg, "1.2.7", "qwen3-14b")

	next, err := reg.Next(context.Background(), lineage, false)
	require.NoError(t, err)
	assert.Equal(t, "1.2.8", next)
}

func TestNextBumpsMinorOnBaseModelChange(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	record(t, reg, "1.2.7", "qwen3-14b")

	next, err := reg.Next(context.Background(), lineage, true)
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", next)
}

func TestBumpMajorResetsMinorAndPatch(t *testing.T) {
	reg := registry.New(store.NewMemoryStore())
	record(t, reg, "1.2.7", "qwen3-14b")

	next, err := reg.BumpMajor(context.Background(), lineage)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", next)
}

func TestBumpMajorPersistsAcrossIterations(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := registry.New(st)
	record(t, reg, "1.2.7", "qwen3-14b")

	bumped, err := reg.BumpMajor(ctx, lineage)
	require.NoError(t, err)
	require.Equal(t, "2.0.0", bumped)

	// The bump is a recorded version, not just a computed string.
	latest, err := st.LatestModelVersion(ctx, lineage)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Version)
	assert.Equal(t, "promoted", latest.Status)
	assert.Equal(t, "1.2.7", latest.Parent)
	assert.Equal(t, "ckpt://1.2.7", latest.CheckpointRef)

	// The next automated iteration versions on top of the bump.
	next, err := reg.Next(ctx, lineage, false)
	require.NoError(t, err)
	assert.Equal(t, "2.0.1", next)
}

func TestBumpMajorOnFreshLineage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := registry.New(st)

	bumped, err := reg.BumpMajor(ctx, lineage)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", bumped)

	next, err := reg.Next(ctx, lineage, false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", next)
}

func TestRecordLinksParentAndEnforcesIncrease(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(store.NewMemoryStore())
	record(t, reg, "1.0.0", "qwen3-14b")

	v, err := reg.Record(ctx, registry.RecordInput{
		LineageID: lineage,
		Version:   "1.0.1",
		BaseModel: "qwen3-14b",
		BatchID:   uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.Parent)

	// Re-recording an old version must fail.
	_, err = reg.Record(ctx, registry.RecordInput{
		LineageID: lineage,
		Version:   "1.0.1",
		BaseModel: "qwen3-14b",
		BatchID:   uuid.New(),
	})
	require.Error(t, err)

	list, err := reg.List(ctx, lineage)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
