package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/veredas-cli/internal/geodata"
	"github.com/sells-group/veredas-cli/internal/searchindex"
)

var indexSQLite string

var indexCmd = &cobra.Command{
	Use:   "index <input_file> <output_file>",
	Short: "Build the vereda search index from a FeatureCollection",
	Long: `Build a name-sorted JSON array of {vereda, department, municipality, lon,
lat, code} entries from a FeatureCollection written by fetch. Features without
a name, a department, or a non-empty polygon ring are left out. The point is
the mean of the outer ring's vertices.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("index"); err != nil {
			return err
		}
		input, output := args[0], args[1]
		log := zap.L().With(zap.String("command", "index"))

		fc, err := geodata.Load(input)
		if err != nil {
			return eris.Wrap(err, "index: load input")
		}

		entries, st := searchindex.Build(fc, indexFields(cfg.Index))
		if err := searchindex.Write(output, entries); err != nil {
			return eris.Wrap(err, "index: write output")
		}

		if indexSQLite != "" {
			if err := searchindex.WriteSQLite(cmd.Context(), indexSQLite, entries); err != nil {
				return eris.Wrap(err, "index: write sqlite")
			}
			log.Info("sqlite index written", zap.String("path", indexSQLite))
		}

		log.Info("search index built",
			zap.Int("features", st.Total),
			zap.Int("indexed", st.Indexed),
			zap.Int("excluded", st.Excluded),
			zap.Int("missing_name", st.MissingName),
			zap.Int("bad_geometry", st.BadGeometry),
			zap.String("output", output),
		)
		return nil
	},
}

func init() {
	indexCmd.Flags().StringVar(&indexSQLite, "sqlite", "", "also write the entries to a SQLite database at this path")
	rootCmd.AddCommand(indexCmd)
}
