package optimizer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvachov/helmsman/internal/dockerops"
)

type fakeSource struct {
	containers []dockerops.ContainerState
	images     []dockerops.ImageInfo
}

func (f *fakeSource) ListContainers(context.Context) ([]dockerops.ContainerState, error) {
	return f.containers, nil
}
func (f *fakeSource) ListImages(context.Context) ([]dockerops.ImageInfo, error) {
	return f.images, nil
}

func TestOverProvisioned(t *testing.T) {
	src := &fakeSource{containers: []dockerops.ContainerState{
		{Name: "idle", State: "running", CPUPercent: 2, MemoryPercent: 4, MemoryLimit: 1 << 30},
		{Name: "small-idle", State: "running", CPUPercent: 2, MemoryPercent: 4, MemoryLimit: 256 << 20},
		{Name: "busy", State: "running", CPUPercent: 60, MemoryPercent: 40, MemoryLimit: 1 << 30},
	}}
	o := New(DefaultConfig(), src, nil)

	report := o.ReviewOnce(context.Background())
	require.Len(t, report.Recommendations, 1)
	rec := report.Recommendations[0]
	assert.Equal(t, TrackOverProvisioned, rec.Track)
	assert.Equal(t, "idle", rec.Target)
	assert.Equal(t, 3, rec.Priority)
	assert.False(t, rec.RequiresApproval)
}

func TestUnderProvisionedRequiresApproval(t *testing.T) {
	src := &fakeSource{containers: []dockerops.ContainerState{
		{Name: "cramped", State: "running", CPUPercent: 30, MemoryPercent: 92, MemoryLimit: 1 << 30},
	}}
	o := New(DefaultConfig(), src, nil)

	report := o.ReviewOnce(context.Background())
	require.Len(t, report.Recommendations, 1)
	rec := report.Recommendations[0]
	assert.Equal(t, TrackUnderProvisioned, rec.Track)
	assert.Equal(t, 6, rec.Priority)
	assert.True(t, rec.RequiresApproval)
}

func TestStoppedContainersIgnored(t *testing.T) {
	src := &fakeSource{containers: []dockerops.ContainerState{
		{Name: "stopped", State: "exited", MemoryPercent: 95, MemoryLimit: 1 << 30},
	}}
	o := New(DefaultConfig(), src, nil)

	report := o.ReviewOnce(context.Background())
	assert.Empty(t, report.Recommendations)
}

func TestReclaimStorage(t *testing.T) {
	src := &fakeSource{images: []dockerops.ImageInfo{
		{ID: "a", SizeBytes: 1 << 30, InUse: false, Dangling: true},
		{ID: "b", SizeBytes: 2 << 30, InUse: false},
		{ID: "c", SizeBytes: 3 << 30, InUse: true},
	}}
	o := New(DefaultConfig(), src, nil)

	report := o.ReviewOnce(context.Background())
	require.Len(t, report.Recommendations, 1)
	rec := report.Recommendations[0]
	assert.Equal(t, TrackReclaimStorage, rec.Track)
	assert.Equal(t, 4, rec.Priority)
	assert.False(t, rec.RequiresApproval)
	assert.Equal(t, int64(3<<30), report.ReclaimableBytes)
	assert.Equal(t, 1, report.DanglingImages)
}

func TestLargeReclaimRequiresApproval(t *testing.T) {
	src := &fakeSource{images: []dockerops.ImageInfo{
		{ID: "a", SizeBytes: 6 << 30, InUse: false},
	}}
	o := New(DefaultConfig(), src, nil)

	report := o.ReviewOnce(context.Background())
	require.Len(t, report.Recommendations, 1)
	rec := report.Recommendations[0]
	assert.Equal(t, 7, rec.Priority)
	assert.True(t, rec.RequiresApproval)
}

type fakeDB struct{}

func (fakeDB) SlowQueries(context.Context, time.Duration) ([]string, error) {
	return []string{"SELECT * FROM events"}, nil
}
func (fakeDB) UnindexedLargeTables(context.Context) ([]string, error) {
	return []string{"events"}, nil
}

func TestDatabaseRecommendations(t *testing.T) {
	o := New(DefaultConfig(), &fakeSource{}, fakeDB{})

	report := o.ReviewOnce(context.Background())
	require.Len(t, report.Recommendations, 2)
	assert.Equal(t, TrackSlowQueries, report.Recommendations[0].Track)
	assert.Equal(t, TrackMissingIndexes, report.Recommendations[1].Track)
}

func TestRecommendationsSortedByPriority(t *testing.T) {
	src := &fakeSource{
		containers: []dockerops.ContainerState{
			{Name: "idle", State: "running", CPUPercent: 2, MemoryPercent: 4, MemoryLimit: 1 << 30},
			{Name: "cramped", State: "running", CPUPercent: 30, MemoryPercent: 92, MemoryLimit: 1 << 30},
		},
		images: []dockerops.ImageInfo{{ID: "a", SizeBytes: 6 << 30, InUse: false}},
	}
	o := New(DefaultConfig(), src, nil)

	report := o.ReviewOnce(context.Background())
	require.Len(t, report.Recommendations, 3)
	assert.Equal(t, 7, report.Recommendations[0].Priority)
	assert.Equal(t, 6, report.Recommendations[1].Priority)
	assert.Equal(t, 3, report.Recommendations[2].Priority)
}
