package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/veredas-cli/internal/geodata"
	"github.com/sells-group/veredas-cli/internal/shpexport"
)

var exportCmd = &cobra.Command{
	Use:   "export <input_file> <output.shp>",
	Short: "Write a FeatureCollection as an ESRI polygon shapefile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fc, err := geodata.Load(args[0])
		if err != nil {
			return eris.Wrap(err, "export: load input")
		}
		if _, err := shpexport.Export(fc, args[1], indexFields(cfg.Index)); err != nil {
			return eris.Wrap(err, "export: write shapefile")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
}
