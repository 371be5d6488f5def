package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/veredas-cli/internal/config"
	"github.com/sells-group/veredas-cli/internal/searchindex"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "veredas",
	Short: "Colombian vereda boundary downloader and search-index builder",
	Long:  "Pages through the ESRI Colombia VEREDAS_2016 layer into a GeoJSON FeatureCollection, then derives a name-sorted search index with centroids.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// indexFields maps the configured property names onto searchindex.Fields.
func indexFields(c config.IndexConfig) searchindex.Fields {
	return searchindex.Fields{
		Name:         c.NameField,
		Department:   c.DepartmentField,
		Municipality: c.MunicipalityField,
		Code:         c.CodeField,
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
