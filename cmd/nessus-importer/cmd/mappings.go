package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/homemade/nessus-importer/importer"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Inspect the project mapping file",
}

var mappingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the project mapping file as CSV",
	Long: `Print every Scanfactory project to Defect Dojo product and engagement
mapping as CSV. Entries that look hand-edited or incomplete are flagged in the
Notes column; mappings are not checked against Defect Dojo.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := importer.OpenMappingStore(flagMappingsPath)
		if err != nil {
			return err
		}
		csv, err := importer.GenerateMappingReport(store).FormatCSV()
		if err != nil {
			return fmt.Errorf("failed to format mappings: %w", err)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), csv)
		return err
	},
}

func init() {
	mappingsCmd.AddCommand(mappingsExportCmd)
}
