// Package harvest pages through a remote feature layer and accumulates the
// results into a GeoJSON FeatureCollection on disk, with resumable
// checkpoints.
package harvest

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/veredas-cli/internal/arcgis"
	"github.com/sells-group/veredas-cli/internal/geodata"
	"github.com/sells-group/veredas-cli/internal/resilience"
)

// PageSource returns one page of remote features.
type PageSource interface {
	QueryPage(ctx context.Context, offset, count int) (*arcgis.QueryResponse, error)
}

// Options configures a harvest run.
type Options struct {
	BatchSize    int
	TotalRecords int // upper bound on offsets, not authoritative
	OutputFile   string
	ResumeFrom   *int // nil starts a fresh collection at offset 0

	// Pause separates successful pages in sequential mode.
	Pause time.Duration
	// Retry governs per-page attempts.
	Retry resilience.RetryConfig
	// CheckpointEvery writes a .partial snapshot after that many committed
	// pages. Zero disables periodic snapshots.
	CheckpointEvery int
	// StrictResume refuses to resume unless a checkpoint record matches.
	StrictResume bool
	// Workers > 1 fetches that many consecutive pages concurrently. Pacing
	// is then the transport's job.
	Workers int
}

// Result summarises a run. It is returned on failure too.
type Result struct {
	RunID       string
	StartOffset int
	NextOffset  int // first offset not committed
	Pages       int // pages committed this run
	Fetched     int // features added this run
	Features    int // features in the collection
	Exhausted   bool
	OutputFile  string
}

// Harvester runs the page loop. The collection it builds is owned by Run.
type Harvester struct {
	src   PageSource
	opts  Options
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Harvester.
func New(src PageSource, opts Options) *Harvester {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Harvester{src: src, opts: opts, sleep: sleepCtx}
}

// Run fetches pages from the start offset until a page comes back empty or
// TotalRecords is reached, then writes OutputFile and removes any snapshot.
// On failure the collection is flushed to the .partial snapshot with a
// checkpoint record before the error is returned.
func (h *Harvester) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "harvest"))

	fc, start, err := h.loadState(log)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:       uuid.NewString(),
		StartOffset: start,
		NextOffset:  start,
		Features:    fc.Len(),
		OutputFile:  h.opts.OutputFile,
	}
	log = log.With(zap.String("run_id", res.RunID))

	remaining := h.opts.TotalRecords - start
	batches := 0
	if remaining > 0 {
		batches = (remaining + h.opts.BatchSize - 1) / h.opts.BatchSize
	}
	log.Info("fetching veredas",
		zap.Int("approx_records", remaining),
		zap.Int("batches", batches),
		zap.Int("start_offset", start),
		zap.Int("workers", h.opts.Workers),
	)

	if h.opts.Workers > 1 {
		err = h.runPool(ctx, log, fc, res)
	} else {
		err = h.runSequential(ctx, log, fc, res)
	}
	if err != nil {
		if flushErr := h.flushPartial(fc, res); flushErr != nil {
			log.Error("failed to flush partial snapshot", zap.Error(flushErr))
		} else {
			log.Warn("run aborted, snapshot saved",
				zap.String("partial", PartialPath(h.opts.OutputFile)),
				zap.Int("resume_from", res.NextOffset),
				zap.Int("features", fc.Len()),
			)
		}
		return res, err
	}

	if err := geodata.Save(h.opts.OutputFile, fc); err != nil {
		return res, err
	}
	if err := removeIfExists(PartialPath(h.opts.OutputFile)); err != nil {
		return res, err
	}
	if err := removeIfExists(CheckpointPath(h.opts.OutputFile)); err != nil {
		return res, err
	}

	log.Info("completed",
		zap.Int("features", fc.Len()),
		zap.Int("fetched", res.Fetched),
		zap.String("output", h.opts.OutputFile),
	)
	return res, nil
}

func (h *Harvester) runSequential(ctx context.Context, log *zap.Logger, fc *geodata.FeatureCollection, res *Result) error {
	for offset := res.StartOffset; offset < h.opts.TotalRecords; offset += h.opts.BatchSize {
		resp, err := h.fetchPage(ctx, log, offset)
		if err != nil {
			return err
		}
		if len(resp.Features) == 0 {
			log.Info("no more features", zap.Int("offset", offset))
			res.Exhausted = true
			return nil
		}

		h.commit(fc, res, offset, resp)
		if err := h.maybeCheckpoint(log, fc, res); err != nil {
			return err
		}

		if err := h.sleep(ctx, h.opts.Pause); err != nil {
			return eris.Wrap(err, "harvest: pause")
		}
	}
	return nil
}

// runPool fetches windows of Workers pages concurrently and commits them in
// offset order. The first empty page ends the run and discards every page
// after it; the first failed page aborts after committing those before it.
func (h *Harvester) runPool(ctx context.Context, log *zap.Logger, fc *geodata.FeatureCollection, res *Result) error {
	step := h.opts.BatchSize
	for window := res.StartOffset; window < h.opts.TotalRecords; window += step * h.opts.Workers {
		var offsets []int
		for off := window; off < h.opts.TotalRecords && len(offsets) < h.opts.Workers; off += step {
			offsets = append(offsets, off)
		}

		pages := make([]*arcgis.QueryResponse, len(offsets))
		errs := make([]error, len(offsets))

		var g errgroup.Group
		g.SetLimit(h.opts.Workers)
		for i, off := range offsets {
			g.Go(func() error {
				pages[i], errs[i] = h.fetchPage(ctx, log, off)
				return errs[i]
			})
		}
		_ = g.Wait()

		for i, off := range offsets {
			if errs[i] != nil {
				return errs[i]
			}
			if len(pages[i].Features) == 0 {
				log.Info("no more features", zap.Int("offset", off))
				res.Exhausted = true
				return nil
			}
			h.commit(fc, res, off, pages[i])
			if err := h.maybeCheckpoint(log, fc, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Harvester) fetchPage(ctx context.Context, log *zap.Logger, offset int) (*arcgis.QueryResponse, error) {
	cfg := h.opts.Retry
	cfg.ShouldRetry = func(error) bool { return true }
	cfg.OnRetry = resilience.RetryLogger("arcgis", "query offset "+strconv.Itoa(offset))

	log.Debug("requesting page", zap.Int("offset", offset), zap.Int("count", h.opts.BatchSize))
	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*arcgis.QueryResponse, error) {
		return h.src.QueryPage(ctx, offset, h.opts.BatchSize)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "harvest: fetch offset %d", offset)
	}
	log.Info("received features",
		zap.Int("offset", offset),
		zap.Int("count", len(resp.Features)),
		zap.Bool("exceeded_transfer_limit", resp.ExceededTransferLimit),
	)
	return resp, nil
}

func (h *Harvester) commit(fc *geodata.FeatureCollection, res *Result, offset int, resp *arcgis.QueryResponse) {
	for _, rf := range resp.Features {
		fc.Append(rf.ToGeoJSON())
	}
	res.Pages++
	res.Fetched += len(resp.Features)
	res.Features = fc.Len()
	res.NextOffset = offset + h.opts.BatchSize
}

func (h *Harvester) maybeCheckpoint(log *zap.Logger, fc *geodata.FeatureCollection, res *Result) error {
	if h.opts.CheckpointEvery <= 0 || res.Pages%h.opts.CheckpointEvery != 0 {
		return nil
	}
	if err := h.flushPartial(fc, res); err != nil {
		return err
	}
	log.Debug("checkpoint written", zap.Int("next_offset", res.NextOffset), zap.Int("features", fc.Len()))
	return nil
}

func (h *Harvester) flushPartial(fc *geodata.FeatureCollection, res *Result) error {
	if err := geodata.Save(PartialPath(h.opts.OutputFile), fc); err != nil {
		return err
	}
	return writeCheckpoint(h.opts.OutputFile, Checkpoint{
		RunID:      res.RunID,
		NextOffset: res.NextOffset,
		Features:   fc.Len(),
		BatchSize:  h.opts.BatchSize,
		UpdatedAt:  time.Now().UTC(),
	})
}

// loadState returns the collection to extend and the first offset to
// request. Resuming prefers the .partial snapshot, then the output file,
// and otherwise starts empty at the requested offset.
func (h *Harvester) loadState(log *zap.Logger) (*geodata.FeatureCollection, int, error) {
	if h.opts.ResumeFrom == nil {
		return geodata.NewCollection(), 0, nil
	}
	offset := *h.opts.ResumeFrom
	if offset < 0 {
		return nil, 0, eris.Errorf("harvest: resume offset must not be negative, got %d", offset)
	}

	partial := PartialPath(h.opts.OutputFile)
	var (
		fc  *geodata.FeatureCollection
		err error
	)
	switch {
	case geodata.Exists(partial):
		log.Info("resuming from partial file", zap.String("path", partial), zap.Int("offset", offset))
		fc, err = geodata.Load(partial)
	case geodata.Exists(h.opts.OutputFile):
		log.Info("partial file not found, resuming from output file", zap.String("path", h.opts.OutputFile), zap.Int("offset", offset))
		fc, err = geodata.Load(h.opts.OutputFile)
	default:
		log.Warn("no existing files found, starting new collection", zap.Int("offset", offset))
		fc = geodata.NewCollection()
	}
	if err != nil {
		return nil, 0, eris.Wrap(err, "harvest: load resume state")
	}

	cp, err := ReadCheckpoint(h.opts.OutputFile)
	if err != nil {
		return nil, 0, err
	}
	if err := verifyResume(cp, offset, fc.Len()); err != nil {
		if h.opts.StrictResume {
			return nil, 0, err
		}
		log.Warn("resume state not verified", zap.Error(err))
	}

	return fc, offset, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
