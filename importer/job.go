package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// ProjectSelector is an allow-list entry: a Scanfactory project whose reports
// go into an existing Defect Dojo engagement.
type ProjectSelector struct {
	ProjectID    string
	EngagementID int
}

func (s ProjectSelector) String() string {
	return fmt.Sprintf("%s:%d", s.ProjectID, s.EngagementID)
}

// placeholderMapping is the mapping recorded for an allow-list entry before
// Defect Dojo has described it.
func (s ProjectSelector) placeholderMapping() ProjectMapping {
	return ProjectMapping{
		TrackerProductName:    fmt.Sprintf("non-existent-%s", s.ProjectID),
		TrackerEngagementName: fmt.Sprintf("engagement-id-%d", s.EngagementID),
		TrackerEngagementID:   s.EngagementID,
		SourceProjectName:     fmt.Sprintf("project-id-%s", s.ProjectID),
		SourceProjectID:       s.ProjectID,
	}
}

// ParseProjectSelectors parses "<project id>:<engagement id>" entries. Each
// argument may hold several space separated entries; duplicates are dropped.
func ParseProjectSelectors(args []string) ([]ProjectSelector, error) {
	var result []ProjectSelector
	seen := make(map[ProjectSelector]bool)
	for _, arg := range args {
		for _, entry := range strings.Fields(arg) {
			projectID, engagement, ok := strings.Cut(entry, ":")
			if !ok || projectID == "" {
				return nil, fmt.Errorf("%w: project %q should be '<scanfactory project id>:<defect dojo engagement id>'", ErrInvalidConfig, entry)
			}
			engagementID, err := strconv.Atoi(engagement)
			if err != nil || engagementID <= 0 {
				return nil, fmt.Errorf("%w: project %q has an invalid engagement id", ErrInvalidConfig, entry)
			}
			s := ProjectSelector{ProjectID: projectID, EngagementID: engagementID}
			if !seen[s] {
				seen[s] = true
				result = append(result, s)
			}
		}
	}
	return result, nil
}

// ReportSource is the scan source the job pulls reports from.
type ReportSource interface {
	ListProjects(ctx context.Context) ([]SourceProject, error)
	LatestReports(ctx context.Context, projectID string) ([]Report, error)
}

// Tracker is the vulnerability tracker the job imports reports into.
type Tracker interface {
	EnsureProductAndEngagement(ctx context.Context, project SourceProject) (ProjectMapping, error)
	CreateEngagement(ctx context.Context, productID int, projectName string) (int, string, error)
	DescribeEngagement(ctx context.Context, selector ProjectSelector) (ProjectMapping, error)
	ImportReport(ctx context.Context, engagementID int, report Report, options ImportOptions) error
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProjectResult is the outcome of one project pipeline.
type ProjectResult struct {
	ProjectID string
	Outcome   Outcome
	Imported  int
	Err       error
}

// Summary counts the outcomes of a run.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
	Results   []ProjectResult
}

func newSummary(results []ProjectResult) Summary {
	summary := Summary{Results: results}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			summary.Succeeded++
		case OutcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
	}
	return summary
}

// Job imports the latest report of every target project. Without Selectors
// every Scanfactory project is a target and unmapped projects get a new
// product and engagement; with Selectors only those projects are imported,
// into the engagements they name.
type Job struct {
	Config    Config
	Source    ReportSource
	Tracker   Tracker
	Mappings  *MappingStore
	Health    *HealthCheck
	Selectors []ProjectSelector
}

type jobTarget struct {
	project  SourceProject
	selector *ProjectSelector
}

// Run processes every target with at most max_requests pipelines in flight.
// A failing project never stops the others, except on an authentication
// failure, which cancels the projects not yet finished and is returned along
// with failures to list the targets or to write the mapping file. The end
// health check is sent however the run ends; the start one is the caller's.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	log := logr.FromContextOrDiscard(ctx)
	defer j.Health.End(ctx)

	targets, err := j.targets(ctx)
	if err != nil {
		return Summary{}, err
	}
	log.Info("starting import", "Projects", len(targets), "MaxRequests", j.maxRequests())

	results := make([]ProjectResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.maxRequests())
	for i, t := range targets {
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = ProjectResult{ProjectID: t.project.ID, Outcome: OutcomeSkipped, Err: context.Cause(gctx)}
				return nil
			}
			results[i] = j.process(gctx, t)
			if errors.Is(results[i].Err, ErrAuthentication) {
				return results[i].Err
			}
			return nil
		})
	}
	runErr := g.Wait()

	summary := newSummary(results)
	log.Info("import finished", "Succeeded", summary.Succeeded, "Skipped", summary.Skipped, "Failed", summary.Failed)
	if runErr != nil {
		log.Error(runErr, "import aborted")
		runErr = fmt.Errorf("import aborted: %w", runErr)
	}

	if err := j.Mappings.Persist(); err != nil {
		return summary, errors.Join(runErr, fmt.Errorf("failed to persist mappings: %w", err))
	}
	return summary, runErr
}

func (j *Job) maxRequests() int {
	if j.Config.Base.MaxRequests < MinMaxRequests {
		return MinMaxRequests
	}
	return j.Config.Base.MaxRequests
}

func (j *Job) targets(ctx context.Context) ([]jobTarget, error) {
	var result []jobTarget
	if len(j.Selectors) > 0 {
		for _, s := range j.Selectors {
			selector := s
			project := SourceProject{ID: s.ProjectID}
			if m, ok := j.Mappings.FindBySourceID(s.ProjectID); ok {
				project.Name = m.SourceProjectName
			}
			result = append(result, jobTarget{project: project, selector: &selector})
		}
		return result, nil
	}
	projects, err := j.Source.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list scanfactory projects: %w", err)
	}
	for _, p := range projects {
		result = append(result, jobTarget{project: p})
	}
	return result, nil
}

// process runs the pipeline of one project: mapping, report fetch, import.
func (j *Job) process(ctx context.Context, t jobTarget) ProjectResult {
	log := logr.FromContextOrDiscard(ctx).WithValues("ProjectID", t.project.ID)
	ctx = logr.NewContext(ctx, log)
	result := ProjectResult{ProjectID: t.project.ID}
	fail := func(msg string, err error) ProjectResult {
		log.Error(err, msg)
		result.Outcome = OutcomeFailed
		result.Err = err
		return result
	}

	mapping, err := j.resolveMapping(ctx, t)
	if err != nil {
		return fail("failed to resolve defect dojo engagement", err)
	}
	log = log.WithValues("EngagementID", mapping.TrackerEngagementID)
	ctx = logr.NewContext(ctx, log)

	reports, err := j.Source.LatestReports(ctx, t.project.ID)
	if err != nil {
		return fail("failed to fetch latest report", err)
	}
	if len(reports) == 0 {
		log.Info("no finished scan with a report, skipping")
		result.Outcome = OutcomeSkipped
		return result
	}

	var errs []error
	for _, report := range reports {
		if err := j.Tracker.ImportReport(ctx, mapping.TrackerEngagementID, report, j.Config.ImportOptions()); err != nil {
			errs = append(errs, err)
			continue
		}
		result.Imported++
	}
	if err := errors.Join(errs...); err != nil {
		return fail("failed to import reports", err)
	}
	result.Outcome = OutcomeSuccess
	return result
}

// resolveMapping finds or creates the mapping of a target. Failing to save a
// new mapping is logged; the import still goes ahead and the mapping is
// written again when the run ends. A product created without its engagement
// is saved as is, and the engagement is created on the next run.
func (j *Job) resolveMapping(ctx context.Context, t jobTarget) (ProjectMapping, error) {
	log := logr.FromContextOrDiscard(ctx)
	stored, found := j.Mappings.FindBySourceID(t.project.ID)

	if t.selector != nil {
		described, err := j.Tracker.DescribeEngagement(ctx, *t.selector)
		if err != nil {
			return described, err
		}
		if found {
			if stored.TrackerEngagementID != t.selector.EngagementID {
				log.Info("allow-list engagement overrides the stored mapping", "StoredEngagementID", stored.TrackerEngagementID)
				stored.TrackerEngagementID = t.selector.EngagementID
			}
			return stored, nil
		}
		j.save(ctx, described)
		return described, nil
	}

	if found {
		changed := false
		if t.project.Name != "" && stored.SourceProjectName != t.project.Name {
			log.Info("project renamed", "OldName", stored.SourceProjectName, "NewName", t.project.Name)
			stored.SourceProjectName = t.project.Name
			changed = true
		}
		if stored.TrackerEngagementID == 0 && stored.TrackerProductID != 0 {
			log.Info("mapping has no engagement, creating it", "ProductID", stored.TrackerProductID)
			id, name, err := j.Tracker.CreateEngagement(ctx, stored.TrackerProductID, stored.SourceProjectName)
			if err != nil {
				if changed {
					j.save(ctx, stored)
				}
				return stored, err
			}
			stored.TrackerEngagementID, stored.TrackerEngagementName = id, name
			changed = true
		}
		if changed {
			j.save(ctx, stored)
		}
		return stored, nil
	}

	created, err := j.Tracker.EnsureProductAndEngagement(ctx, t.project)
	if created.TrackerProductID != 0 {
		j.save(ctx, created)
	}
	return created, err
}

func (j *Job) save(ctx context.Context, m ProjectMapping) {
	if err := j.Mappings.Save(m); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to save mapping")
	}
}
