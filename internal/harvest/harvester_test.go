package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/veredas-cli/internal/arcgis"
	"github.com/sells-group/veredas-cli/internal/geodata"
	"github.com/sells-group/veredas-cli/internal/resilience"
)

// fakeSource serves pages from a fixed dataset of n records and can be told
// to fail specific offsets a number of times.
type fakeSource struct {
	mu       sync.Mutex
	total    int
	failures map[int]int
	calls    []int
}

func (f *fakeSource) QueryPage(_ context.Context, offset, count int) (*arcgis.QueryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, offset)

	if n := f.failures[offset]; n > 0 {
		f.failures[offset] = n - 1
		return nil, errors.New("connection reset by peer")
	}

	resp := &arcgis.QueryResponse{}
	for i := offset; i < offset+count && i < f.total; i++ {
		resp.Features = append(resp.Features, arcgis.RemoteFeature{
			Attributes: json.RawMessage(fmt.Sprintf(`{"OBJECTID":%d,"NOMBRE_VER":"V%05d"}`, i, i)),
			Geometry:   &arcgis.RemoteGeometry{Rings: json.RawMessage(`[[[0,0],[1,0],[1,1]]]`)},
		})
	}
	return resp, nil
}

func (f *fakeSource) offsets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]int(nil), f.calls...)
	sort.Ints(out)
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.pauses = append(s.pauses, d)
	s.mu.Unlock()
	return ctx.Err()
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		BatchSize:    10,
		TotalRecords: 100,
		OutputFile:   filepath.Join(t.TempDir(), "veredas.geojson"),
		Pause:        2 * time.Second,
		Retry:        resilience.LinearRetryConfig(3, time.Millisecond),
	}
}

func newTestHarvester(src PageSource, opts Options) (*Harvester, *sleepRecorder) {
	h := New(src, opts)
	rec := &sleepRecorder{}
	h.sleep = rec.sleep
	return h, rec
}

func intPtr(v int) *int { return &v }

func featureIDs(t *testing.T, fc *geodata.FeatureCollection) []int {
	t.Helper()
	ids := make([]int, 0, fc.Len())
	for _, f := range fc.Features {
		attrs, err := f.Attributes()
		require.NoError(t, err)
		ids = append(ids, int(attrs["OBJECTID"].(float64)))
	}
	return ids
}

func TestRun_FetchesUntilEmptyPage(t *testing.T) {
	src := &fakeSource{total: 35}
	opts := testOptions(t)
	h, rec := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Exhausted)
	assert.Equal(t, 35, res.Features)
	assert.Equal(t, 35, res.Fetched)
	assert.Equal(t, 4, res.Pages)
	// Offset 40 returned nothing; nothing beyond it was requested.
	assert.Equal(t, []int{0, 10, 20, 30, 40}, src.offsets())
	assert.Len(t, rec.pauses, 4)
	for _, p := range rec.pauses {
		assert.Equal(t, 2*time.Second, p)
	}

	fc, err := geodata.Load(opts.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, geodata.TypeFeatureCollection, fc.Type)
	assert.Equal(t, 35, fc.Len())
	assert.Equal(t, 0, featureIDs(t, fc)[0])
	assert.Equal(t, 34, featureIDs(t, fc)[34])
	assert.False(t, geodata.Exists(PartialPath(opts.OutputFile)))
}

func TestRun_StopsAtTotalRecords(t *testing.T) {
	src := &fakeSource{total: 1000}
	opts := testOptions(t)
	opts.TotalRecords = 25
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Exhausted)
	// The last batch is requested at full size, not truncated to 5.
	assert.Equal(t, []int{0, 10, 20}, src.offsets())
	assert.Equal(t, 30, res.Features)
	assert.Equal(t, 30, res.NextOffset)
}

func TestRun_ZeroFeaturesAtFirstPage(t *testing.T) {
	src := &fakeSource{total: 0}
	opts := testOptions(t)
	h, rec := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Empty(t, rec.pauses)

	data, err := os.ReadFile(opts.OutputFile)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(data))
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	src := &fakeSource{total: 15, failures: map[int]int{10: 2}}
	opts := testOptions(t)
	h, rec := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, res.Features)
	assert.Equal(t, []int{0, 10, 10, 10, 20}, src.offsets())
	// Retry backoff does not add politeness pauses.
	assert.Len(t, rec.pauses, 2)
}

func TestRun_RetryExhaustionFlushesPartial(t *testing.T) {
	src := &fakeSource{total: 100, failures: map[int]int{20: 3}}
	opts := testOptions(t)
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch offset 20")
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Equal(t, []int{0, 10, 20, 20, 20}, src.offsets())
	assert.Equal(t, 20, res.NextOffset)

	assert.False(t, geodata.Exists(opts.OutputFile))
	partial, err := geodata.Load(PartialPath(opts.OutputFile))
	require.NoError(t, err)
	assert.Equal(t, 20, partial.Len())

	cp, err := ReadCheckpoint(opts.OutputFile)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 20, cp.NextOffset)
	assert.Equal(t, 20, cp.Features)
	assert.Equal(t, res.RunID, cp.RunID)
	assert.Equal(t, 10, cp.BatchSize)
}

func TestRun_ResumeFromPartial(t *testing.T) {
	src := &fakeSource{total: 50, failures: map[int]int{30: 3}}
	opts := testOptions(t)
	h, _ := newTestHarvester(src, opts)

	_, err := h.Run(context.Background())
	require.Error(t, err)

	resumed := opts
	resumed.ResumeFrom = intPtr(30)
	resumed.StrictResume = true
	h2, _ := newTestHarvester(src, resumed)

	res, err := h2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, res.StartOffset)
	assert.Equal(t, 20, res.Fetched)
	// prior partial count + features fetched from the resume offset
	assert.Equal(t, 50, res.Features)

	fc, err := geodata.Load(opts.OutputFile)
	require.NoError(t, err)
	ids := featureIDs(t, fc)
	require.Len(t, ids, 50)
	for i, id := range ids {
		assert.Equal(t, i, id)
	}
	assert.False(t, geodata.Exists(PartialPath(opts.OutputFile)))
	assert.False(t, geodata.Exists(CheckpointPath(opts.OutputFile)))
}

func TestRun_ResumePrefersPartialOverOutput(t *testing.T) {
	opts := testOptions(t)

	output := geodata.NewCollection()
	output.Append(geodata.NewPolygonFeature(json.RawMessage(`{"OBJECTID":-1}`), nil))
	require.NoError(t, geodata.Save(opts.OutputFile, output))

	partial := geodata.NewCollection()
	for i := 0; i < 10; i++ {
		partial.Append(geodata.NewPolygonFeature(json.RawMessage(fmt.Sprintf(`{"OBJECTID":%d}`, i)), nil))
	}
	require.NoError(t, geodata.Save(PartialPath(opts.OutputFile), partial))

	src := &fakeSource{total: 20}
	opts.ResumeFrom = intPtr(10)
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Features)

	fc, err := geodata.Load(opts.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, 0, featureIDs(t, fc)[0])
}

func TestRun_ResumeFromOutputFile(t *testing.T) {
	opts := testOptions(t)
	output := geodata.NewCollection()
	for i := 0; i < 10; i++ {
		output.Append(geodata.NewPolygonFeature(json.RawMessage(fmt.Sprintf(`{"OBJECTID":%d}`, i)), nil))
	}
	require.NoError(t, geodata.Save(opts.OutputFile, output))

	src := &fakeSource{total: 20}
	opts.ResumeFrom = intPtr(10)
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Features)
}

func TestRun_ResumeWithoutBackingFileKeepsOnlyNewFeatures(t *testing.T) {
	src := &fakeSource{total: 40}
	opts := testOptions(t)
	opts.ResumeFrom = intPtr(20)
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Features)
	assert.Equal(t, []int{20, 30, 40}, src.offsets())

	fc, err := geodata.Load(opts.OutputFile)
	require.NoError(t, err)
	assert.Equal(t, 20, featureIDs(t, fc)[0])
}

func TestRun_StrictResumeRejectsMissingCheckpoint(t *testing.T) {
	src := &fakeSource{total: 40}
	opts := testOptions(t)
	opts.ResumeFrom = intPtr(20)
	opts.StrictResume = true
	h, _ := newTestHarvester(src, opts)

	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInconsistentResume))
	assert.Empty(t, src.offsets(), "no request before the resume check")
}

func TestRun_StrictResumeRejectsOffsetMismatch(t *testing.T) {
	src := &fakeSource{total: 100, failures: map[int]int{30: 3}}
	opts := testOptions(t)
	h, _ := newTestHarvester(src, opts)
	_, err := h.Run(context.Background())
	require.Error(t, err)

	resumed := opts
	resumed.ResumeFrom = intPtr(40)
	resumed.StrictResume = true
	h2, _ := newTestHarvester(src, resumed)

	_, err = h2.Run(context.Background())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInconsistentResume))
	assert.Contains(t, err.Error(), "checkpoint expects offset 30, got 40")
}

func TestRun_NegativeResumeOffset(t *testing.T) {
	opts := testOptions(t)
	opts.ResumeFrom = intPtr(-10)
	h, _ := newTestHarvester(&fakeSource{}, opts)

	_, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be negative")
}

func TestRun_PeriodicCheckpoint(t *testing.T) {
	src := &fakeSource{total: 100}
	opts := testOptions(t)
	opts.CheckpointEvery = 2

	var snapshots []int
	h := New(src, opts)
	h.sleep = func(ctx context.Context, _ time.Duration) error {
		if cp, err := ReadCheckpoint(opts.OutputFile); err == nil && cp != nil {
			snapshots = append(snapshots, cp.NextOffset)
		}
		return nil
	}

	_, err := h.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, snapshots)
	assert.Contains(t, snapshots, 20)
	assert.Contains(t, snapshots, 40)
	assert.False(t, geodata.Exists(CheckpointPath(opts.OutputFile)), "record removed at completion")
}

func TestRun_CancelledDuringPauseFlushesPartial(t *testing.T) {
	src := &fakeSource{total: 100}
	opts := testOptions(t)

	ctx, cancel := context.WithCancel(context.Background())
	h := New(src, opts)
	h.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := h.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, res.NextOffset)

	partial, err := geodata.Load(PartialPath(opts.OutputFile))
	require.NoError(t, err)
	assert.Equal(t, 10, partial.Len())
}

func TestRun_WorkerPoolCommitsInOffsetOrder(t *testing.T) {
	src := &fakeSource{total: 73}
	opts := testOptions(t)
	opts.Workers = 4
	h, rec := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 73, res.Features)
	assert.Empty(t, rec.pauses, "pool mode relies on transport pacing")

	fc, err := geodata.Load(opts.OutputFile)
	require.NoError(t, err)
	ids := featureIDs(t, fc)
	require.Len(t, ids, 73)
	for i, id := range ids {
		assert.Equal(t, i, id)
	}
	// Windows [0,40), [40,80), [80,100); 80 comes back empty.
	assert.Equal(t, []int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, src.offsets())
}

func TestRun_WorkerPoolDiscardsPagesAfterEmpty(t *testing.T) {
	src := &fakeSource{total: 15}
	opts := testOptions(t)
	opts.Workers = 4
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 15, res.Features)
	assert.Equal(t, 20, res.NextOffset)
}

func TestRun_WorkerPoolFailureKeepsEarlierPages(t *testing.T) {
	src := &fakeSource{total: 100, failures: map[int]int{20: 3}}
	opts := testOptions(t)
	opts.Workers = 4
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 20, res.NextOffset)

	partial, err := geodata.Load(PartialPath(opts.OutputFile))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19}, featureIDs(t, partial))
}

func TestRun_TotalBelowResumeOffsetWritesLoadedState(t *testing.T) {
	opts := testOptions(t)
	opts.TotalRecords = 10
	opts.ResumeFrom = intPtr(50)
	src := &fakeSource{total: 100}
	h, _ := newTestHarvester(src, opts)

	res, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Features)
	assert.Empty(t, src.offsets())
	assert.True(t, geodata.Exists(opts.OutputFile))
}

func TestVerifyResume(t *testing.T) {
	cp := &Checkpoint{NextOffset: 30, Features: 30}
	assert.NoError(t, verifyResume(cp, 30, 30))

	err := verifyResume(cp, 30, 25)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint recorded 30 features, loaded 25")

	err = verifyResume(nil, 30, 30)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInconsistentResume))
}

func TestReadCheckpoint(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out.geojson")

	cp, err := ReadCheckpoint(output)
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, os.WriteFile(CheckpointPath(output), []byte("{"), 0o644))
	_, err = ReadCheckpoint(output)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode checkpoint")
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
