package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/veredas-cli/internal/arcgis"
	"github.com/sells-group/veredas-cli/internal/config"
	"github.com/sells-group/veredas-cli/internal/fetcher"
	"github.com/sells-group/veredas-cli/internal/harvest"
	"github.com/sells-group/veredas-cli/internal/resilience"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download vereda boundaries into a GeoJSON FeatureCollection",
	Long: `Download vereda boundaries page by page from the ArcGIS query endpoint.

Each page is retried with a linear backoff. When a run aborts, the features
collected so far are written to <output-file>.partial together with a
<output-file>.checkpoint record naming the offset to pass to --resume-from.
Use --workers to fetch several pages at once; pages are still committed in
offset order and the run stops at the first empty page.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := fetchOptions(cmd, cfg)
		if err != nil {
			return err
		}

		log := zap.L().With(zap.String("command", "fetch"))

		client := arcgis.NewClient(cfg.ArcGIS.URL, newHTTPFetcher(cfg))
		res, err := harvest.New(client, opts).Run(ctx)
		if err != nil {
			if res != nil {
				log.Error("fetch aborted",
					zap.Int("features", res.Features),
					zap.Int("resume_from", res.NextOffset),
					zap.String("partial", harvest.PartialPath(res.OutputFile)),
				)
			}
			return err
		}

		log.Info("fetch complete",
			zap.String("run_id", res.RunID),
			zap.Int("features", res.Features),
			zap.Int("pages", res.Pages),
			zap.Bool("exhausted", res.Exhausted),
			zap.String("output", res.OutputFile),
		)
		return nil
	},
}

func init() {
	addFetchFlags(fetchCmd)
	rootCmd.AddCommand(fetchCmd)
}

func addFetchFlags(cmd *cobra.Command) {
	cmd.Flags().Int("batch-size", 10, "records requested per page")
	cmd.Flags().Int("total-records", 32000, "upper bound on offsets to request")
	cmd.Flags().String("output-file", "colombia_veredas.geojson", "FeatureCollection output path")
	cmd.Flags().Int("resume-from", 0, "resume at this offset from <output-file>.partial or <output-file>")
	cmd.Flags().Int("workers", 1, "pages fetched concurrently")
	cmd.Flags().Bool("strict-resume", false, "refuse to resume unless the checkpoint record matches")
	cmd.Flags().Int("checkpoint-every", 50, "write a .partial snapshot every N pages (0 disables)")
}

// fetchOptions overlays explicitly set flags on the fetch config, validates
// the result and builds the harvest options.
func fetchOptions(cmd *cobra.Command, c *config.Config) (harvest.Options, error) {
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		c.Fetch.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("total-records") {
		c.Fetch.TotalRecords, _ = flags.GetInt("total-records")
	}
	if flags.Changed("output-file") {
		c.Fetch.OutputFile, _ = flags.GetString("output-file")
	}
	if flags.Changed("workers") {
		c.Fetch.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("checkpoint-every") {
		c.Fetch.CheckpointEvery, _ = flags.GetInt("checkpoint-every")
	}

	if err := c.Validate("fetch"); err != nil {
		return harvest.Options{}, err
	}

	opts := harvest.Options{
		BatchSize:       c.Fetch.BatchSize,
		TotalRecords:    c.Fetch.TotalRecords,
		OutputFile:      c.Fetch.OutputFile,
		Pause:           time.Duration(c.Fetch.PauseMs) * time.Millisecond,
		Retry:           resilience.LinearRetryConfig(c.Fetch.MaxAttempts, time.Duration(c.Fetch.RetryBackoffMs)*time.Millisecond),
		CheckpointEvery: c.Fetch.CheckpointEvery,
		Workers:         c.Fetch.Workers,
	}
	opts.StrictResume, _ = flags.GetBool("strict-resume")
	if flags.Changed("resume-from") {
		offset, _ := flags.GetInt("resume-from")
		opts.ResumeFrom = &offset
	}
	return opts, nil
}

// newHTTPFetcher builds the transport. With more than one worker the
// politeness pause becomes a shared rate limit.
func newHTTPFetcher(c *config.Config) *fetcher.HTTPFetcher {
	httpOpts := fetcher.HTTPOptions{
		Timeout: time.Duration(c.ArcGIS.TimeoutSecs) * time.Second,
		Headers: c.ArcGIS.Headers,
	}
	if c.Fetch.Workers > 1 {
		httpOpts.Limiter = rate.NewLimiter(rate.Every(time.Duration(c.Fetch.PauseMs)*time.Millisecond), 1)
	}
	return fetcher.NewHTTPFetcher(httpOpts)
}
