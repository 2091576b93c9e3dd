package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/homemade/nessus-importer/importer"
)

var (
	version string

	flagProjects       []string
	flagEnvPath        string
	flagLogPath        string
	flagLogToConsole   bool
	flagLogLevel       int
	flagConfigPath     string
	flagMappingsPath   string
	flagSchedule       string
	flagRecordRequests bool
)

var rootCmd = &cobra.Command{
	Use:   "nessus-importer",
	Short: "Nessus report importer for Defect Dojo",
	Long: `nessus-importer imports the latest Nessus report of Scanfactory projects
into Defect Dojo.

Without --projects every Scanfactory project is imported; a product and a
default engagement are created for projects seen for the first time and
recorded in the mapping file. With --projects only the listed projects are
imported, each into the engagement it names:

  nessus-importer --projects 9f6c...:10 1a2b...:11`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runImport,
}

// ExecuteContext runs the root command.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the CLI version from build flags.
func SetVersion(v string) {
	version = v
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogPath, "log-path", "/var/www/nessus_importer.log", "Path to the log file")
	rootCmd.PersistentFlags().BoolVar(&flagLogToConsole, "log-to-console", false, "Log additionally to console")
	rootCmd.PersistentFlags().IntVar(&flagLogLevel, "log-level", importer.LogLevelInfo, "Lowest level of logging: 1 - DEBUG, 2 - INFO, 3 - WARNING, 4 - ERROR, 5 - CRITICAL")
	rootCmd.PersistentFlags().StringVar(&flagMappingsPath, "mappings-path", "res/products.json", "Path to the project mapping file")

	rootCmd.Flags().StringArrayVar(&flagProjects, "projects", nil, "Projects to import, format '<Scanfactory project UUID>:<Defect Dojo engagement ID>'")
	rootCmd.Flags().StringVar(&flagEnvPath, "env-path", "/root/.env", "Path to the environment file")
	rootCmd.Flags().StringVar(&flagConfigPath, "config-path", "config/config.yaml", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&flagSchedule, "schedule", "", "Cron expression; when set the importer keeps running and imports on schedule")
	rootCmd.Flags().BoolVar(&flagRecordRequests, "record-requests", false, "Record HTTP requests and responses under "+importer.RequestsRecordingRoot)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mappingsCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show importer version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nessus-importer version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  Go:       %s\n", runtime.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "  OS/Arch:  %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}
