package cmd

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/homemade/nessus-importer/importer"
)

// cronParser accepts standard five field expressions and descriptors such as @hourly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func runImport(cmd *cobra.Command, args []string) error {
	log, closeLog, err := importer.NewLogger(importer.LogOptions{
		Path:    flagLogPath,
		Console: flagLogToConsole,
		Level:   flagLogLevel,
	})
	if err != nil {
		return err
	}
	defer closeLog()
	ctx := logr.NewContext(cmd.Context(), log)

	rc, selectors, err := setup(append(flagProjects, args...))
	if err != nil {
		log.Error(err, "failed to load configuration")
		return err
	}

	if flagSchedule == "" {
		_, err = runOnce(ctx, rc, selectors)
		return err
	}
	return runScheduled(ctx, rc, selectors)
}

// setup reads the environment, the config file and the allow-list.
func setup(projects []string) (*importer.RunContext, []importer.ProjectSelector, error) {
	env, err := importer.LoadEnvironment(flagEnvPath)
	if err != nil {
		return nil, nil, err
	}
	config, err := importer.LoadConfig(flagConfigPath)
	if err != nil {
		return nil, nil, err
	}
	selectors, err := importer.ParseProjectSelectors(projects)
	if err != nil {
		return nil, nil, err
	}
	rc := &importer.RunContext{
		Config:         config,
		Environment:    env,
		RecordRequests: flagRecordRequests,
	}
	return rc, selectors, nil
}

// runOnce authenticates against both APIs and runs one import. The start
// health check goes out before anything can fail. The mapping file is
// reopened every run so hand edits between scheduled runs are seen.
func runOnce(ctx context.Context, rc *importer.RunContext, selectors []importer.ProjectSelector) (importer.Summary, error) {
	log := logr.FromContextOrDiscard(ctx)
	health := &importer.HealthCheck{RunContext: rc}
	health.Start(ctx)

	store, err := importer.OpenMappingStore(flagMappingsPath)
	if err != nil {
		log.Error(err, "failed to load mapping file", "Path", flagMappingsPath)
		return importer.Summary{}, err
	}

	tokens := importer.NewTokenProvider(rc)
	if _, err := tokens.Token(ctx); err != nil {
		log.Error(err, "failed to authenticate to scanfactory")
		return importer.Summary{}, err
	}
	dojo := importer.NewDefectDojoUpdater(rc)
	if err := dojo.Authenticate(ctx); err != nil {
		log.Error(err, "failed to authenticate to defect dojo")
		return importer.Summary{}, err
	}

	job := importer.Job{
		Config:    rc.Config,
		Source:    &importer.ScanfactoryFetcher{RunContext: rc, Tokens: tokens},
		Tracker:   dojo,
		Mappings:  store,
		Health:    health,
		Selectors: selectors,
	}
	summary, err := job.Run(ctx)
	if err != nil {
		log.Error(err, "import failed")
	}
	return summary, err
}

// runScheduled runs an import on every tick of --schedule until the context
// is cancelled. A tick is skipped while the previous import still runs.
func runScheduled(ctx context.Context, rc *importer.RunContext, selectors []importer.ProjectSelector) error {
	log := logr.FromContextOrDiscard(ctx)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	_, err := c.AddFunc(flagSchedule, func() {
		// Errors are logged by runOnce; the next tick tries again.
		_, _ = runOnce(ctx, rc, selectors)
	})
	if err != nil {
		return fmt.Errorf("%w: schedule %q: %w", importer.ErrInvalidConfig, flagSchedule, err)
	}
	log.Info("waiting for scheduled imports", "Schedule", flagSchedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("scheduler stopped")
	return nil
}
