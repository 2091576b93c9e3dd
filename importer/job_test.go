// go test github.com/homemade/nessus-importer/importer -v
package importer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	projects    []SourceProject
	listErr     error
	reports     map[string][]Report
	reportErrs  map[string]error
	listCalls   atomic.Int32
	reportCalls atomic.Int32
	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *fakeSource) ListProjects(ctx context.Context) ([]SourceProject, error) {
	s.listCalls.Add(1)
	return s.projects, s.listErr
}

func (s *fakeSource) LatestReports(ctx context.Context, projectID string) ([]Report, error) {
	s.reportCalls.Add(1)
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.reports[projectID], s.reportErrs[projectID]
}

type importCall struct {
	EngagementID int
	TaskID       string
}

type fakeTracker struct {
	mu          sync.Mutex
	nextID      int
	created     []string
	described   []ProjectSelector
	imports     []importCall
	inactive    map[int]bool
	rejectTasks map[string]bool
}

func (f *fakeTracker) EnsureProductAndEngagement(ctx context.Context, project SourceProject) (ProjectMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.created = append(f.created, project.ID)
	return ProjectMapping{
		TrackerProductID:      f.nextID,
		TrackerProductName:    project.Name,
		TrackerEngagementName: "default " + project.Name,
		TrackerEngagementID:   f.nextID + 100,
		SourceProjectName:     project.Name,
		SourceProjectID:       project.ID,
	}, nil
}

func (f *fakeTracker) CreateEngagement(ctx context.Context, productID int, projectName string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return productID + 100, "default " + projectName, nil
}

func (f *fakeTracker) DescribeEngagement(ctx context.Context, selector ProjectSelector) (ProjectMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.described = append(f.described, selector)
	result := selector.placeholderMapping()
	if f.inactive[selector.EngagementID] {
		return result, fmt.Errorf("engagement %d: %w", selector.EngagementID, ErrEngagementInactive)
	}
	result.TrackerEngagementName = fmt.Sprintf("engagement %d", selector.EngagementID)
	return result, nil
}

func (f *fakeTracker) ImportReport(ctx context.Context, engagementID int, report Report, options ImportOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectTasks[report.TaskID] {
		return &TrackerRejectedError{Operation: "report import", StatusCode: http.StatusBadRequest, Body: "bad report"}
	}
	f.imports = append(f.imports, importCall{EngagementID: engagementID, TaskID: report.TaskID})
	return nil
}

func newTestJob(t *testing.T, source *fakeSource, tracker *fakeTracker, mappingFile string) (*Job, string) {
	path := filepath.Join(t.TempDir(), "products.json")
	if mappingFile != "" {
		require.NoError(t, os.WriteFile(path, []byte(mappingFile), 0o644))
	}
	store, err := OpenMappingStore(path)
	require.NoError(t, err)
	return &Job{
		Config:   testConfig(),
		Source:   source,
		Tracker:  tracker,
		Mappings: store,
	}, path
}

func report(projectID, taskID string) []Report {
	return []Report{{ProjectID: projectID, TaskID: taskID, Ext: "xml", Content: []byte("<NessusClientData_v2/>")}}
}

func resultsByProject(summary Summary) map[string]ProjectResult {
	result := make(map[string]ProjectResult)
	for _, r := range summary.Results {
		result[r.ProjectID] = r
	}
	return result
}

func TestJob_CreatesMissingMappings(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{
		projects: []SourceProject{
			{ID: "0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10", Name: "Acme web"},
			{ID: "P2", Name: "Beta"},
		},
		reports: map[string][]Report{
			"0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10": report("0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10", "1"),
			"P2":                                   report("P2", "2"),
		},
	}
	tracker := &fakeTracker{}
	job, path := newTestJob(t, source, tracker, operatorMappingFile)

	summary, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, []string{"P2"}, tracker.created)
	assert.ElementsMatch(t, []importCall{{EngagementID: 34, TaskID: "1"}, {EngagementID: 101, TaskID: "2"}}, tracker.imports)

	reloaded, err := OpenMappingStore(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.All(), 3)
	m, ok := reloaded.FindBySourceID("P2")
	require.True(t, ok)
	assert.Equal(t, 101, m.TrackerEngagementID)
	assert.Equal(t, "Beta", m.SourceProjectName)
}

func TestJob_RerunLeavesMappingsUnchanged(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{
		projects: []SourceProject{
			{ID: "0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10", Name: "Acme web"},
			{ID: "7d2c", Name: "project-id-7d2c"},
		},
		reports: map[string][]Report{
			"0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10": report("0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10", "1"),
		},
	}
	tracker := &fakeTracker{}
	job, path := newTestJob(t, source, tracker, operatorMappingFile)

	for i := 0; i < 2; i++ {
		summary, err := job.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Succeeded)
		assert.Equal(t, 1, summary.Skipped)
	}
	assert.Empty(t, tracker.created)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, operatorMappingFile, string(data))
}

func TestJob_ProjectFailuresAreIsolated(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{
		projects: []SourceProject{
			{ID: "P1", Name: "One"},
			{ID: "P2", Name: "Two"},
			{ID: "P3", Name: "Three"},
			{ID: "P4", Name: "Four"},
		},
		reports: map[string][]Report{
			"P1": report("P1", "1"),
			"P2": report("P2", "2"),
			"P4": report("P4", "4"),
		},
		reportErrs: map[string]error{
			"P4": fmt.Errorf("%w: tasks listing", ErrSourceUnavailable),
		},
	}
	tracker := &fakeTracker{rejectTasks: map[string]bool{"2": true}}
	job, _ := newTestJob(t, source, tracker, "")

	summary, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Failed)

	results := resultsByProject(summary)
	assert.Equal(t, OutcomeSuccess, results["P1"].Outcome)
	assert.Equal(t, 1, results["P1"].Imported)
	assert.Equal(t, OutcomeSkipped, results["P3"].Outcome)

	var rejected *TrackerRejectedError
	assert.True(t, errors.As(results["P2"].Err, &rejected))
	assert.ErrorIs(t, results["P4"].Err, ErrSourceUnavailable)

	// mappings created before a failed import are kept
	_, ok := job.Mappings.FindBySourceID("P2")
	assert.True(t, ok)
}

func TestJob_ListingFailureIsFatal(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{listErr: fmt.Errorf("%w: projects listing", ErrSourceUnavailable)}
	tracker := &fakeTracker{}
	job, path := newTestJob(t, source, tracker, "")

	_, err := job.Run(ctx)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Empty(t, tracker.imports)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestJob_AllowList(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{
		reports: map[string][]Report{
			"P1": report("P1", "1"),
			"P2": report("P2", "2"),
		},
	}
	tracker := &fakeTracker{inactive: map[int]bool{20: true}}
	selectors, err := ParseProjectSelectors([]string{"P1:10", "P2:20"})
	require.NoError(t, err)
	job, path := newTestJob(t, source, tracker, "")
	job.Selectors = selectors

	summary, err := job.Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, source.listCalls.Load())
	assert.Empty(t, tracker.created)
	assert.Equal(t, []importCall{{EngagementID: 10, TaskID: "1"}}, tracker.imports)

	results := resultsByProject(summary)
	assert.Equal(t, OutcomeSuccess, results["P1"].Outcome)
	assert.Equal(t, OutcomeFailed, results["P2"].Outcome)
	assert.ErrorIs(t, results["P2"].Err, ErrEngagementInactive)

	reloaded, err := OpenMappingStore(path)
	require.NoError(t, err)
	m, ok := reloaded.FindBySourceID("P1")
	require.True(t, ok)
	assert.Equal(t, ProjectMapping{
		TrackerProductName:    "non-existent-P1",
		TrackerEngagementName: "engagement 10",
		TrackerEngagementID:   10,
		SourceProjectName:     "project-id-P1",
		SourceProjectID:       "P1",
	}, m)
	_, ok = reloaded.FindBySourceID("P2")
	assert.False(t, ok)
}

func TestJob_AllowListOverridesStoredEngagement(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{
		reports: map[string][]Report{"7d2c": report("7d2c", "1")},
	}
	tracker := &fakeTracker{}
	job, path := newTestJob(t, source, tracker, operatorMappingFile)
	job.Selectors = []ProjectSelector{{ProjectID: "7d2c", EngagementID: 55}}

	_, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []importCall{{EngagementID: 55, TaskID: "1"}}, tracker.imports)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, operatorMappingFile, string(data))
}

func TestJob_RenamedProject(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{
		projects: []SourceProject{{ID: "0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10", Name: "Acme storefront"}},
	}
	tracker := &fakeTracker{}
	job, path := newTestJob(t, source, tracker, operatorMappingFile)

	_, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, tracker.created)

	reloaded, err := OpenMappingStore(path)
	require.NoError(t, err)
	m, ok := reloaded.FindBySourceID("0f9e7a4c-6a51-4c1e-9d0b-2b1f1f4f6a10")
	require.True(t, ok)
	assert.Equal(t, "Acme storefront", m.SourceProjectName)
	assert.Equal(t, "Acme web", m.TrackerProductName)
	assert.Equal(t, 34, m.TrackerEngagementID)
}

func TestJob_MaxRequestsBoundsPipelines(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{delay: 20 * time.Millisecond, reports: map[string][]Report{}}
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("P%d", i)
		source.projects = append(source.projects, SourceProject{ID: id, Name: id})
		source.reports[id] = report(id, id)
	}
	tracker := &fakeTracker{}
	job, _ := newTestJob(t, source, tracker, "")
	job.Config.Base.MaxRequests = 2

	summary, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, summary.Succeeded)
	assert.LessOrEqual(t, source.maxInFlight.Load(), int32(2))
	assert.Len(t, tracker.imports, 12)
}

func newHealthServer(t *testing.T) (*RunContext, func() []string) {
	var mu sync.Mutex
	var pings []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		pings = append(pings, r.URL.Path)
	}))
	t.Cleanup(server.Close)

	rc := testRunContext("", "", "")
	rc.Environment.HealthCheckURL = server.URL + "/ping/abc"
	rc.Environment.HealthCheckEndpoints = "start end"
	return rc, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), pings...)
	}
}

func TestJob_HealthCheckEndPing(t *testing.T) {
	ctx := testContext(t)
	rc, pings := newHealthServer(t)

	source := &fakeSource{projects: []SourceProject{{ID: "P1", Name: "One"}}}
	job, _ := newTestJob(t, source, &fakeTracker{}, "")
	job.Health = &HealthCheck{RunContext: rc}

	_, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"/ping/abc/end"}, pings())

	job.Health.Start(ctx)
	assert.Equal(t, []string{"/ping/abc/end", "/ping/abc/start"}, pings())
}

func TestJob_HealthCheckEndPingWhenPersistFails(t *testing.T) {
	ctx := testContext(t)
	rc, pings := newHealthServer(t)

	dir := t.TempDir()
	store, err := OpenMappingStore(filepath.Join(dir, "res", "products.json"))
	require.NoError(t, err)
	// a file where the mapping directory should be
	require.NoError(t, os.WriteFile(filepath.Join(dir, "res"), nil, 0o644))

	job := &Job{
		Config:   testConfig(),
		Source:   &fakeSource{projects: []SourceProject{{ID: "P1", Name: "One"}}},
		Tracker:  &fakeTracker{},
		Mappings: store,
		Health:   &HealthCheck{RunContext: rc},
	}
	_, err = job.Run(ctx)
	assert.ErrorContains(t, err, "failed to persist mappings")
	assert.Equal(t, []string{"/ping/abc/end"}, pings())
}

func TestJob_AuthenticationFailureAbortsRun(t *testing.T) {
	ctx := testContext(t)
	source := &fakeSource{reportErrs: map[string]error{}}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("P%d", i)
		source.projects = append(source.projects, SourceProject{ID: id, Name: id})
		source.reportErrs[id] = fmt.Errorf("%w: keycloak refused credentials (HTTP 401)", ErrAuthentication)
	}
	tracker := &fakeTracker{}
	job, path := newTestJob(t, source, tracker, "")
	job.Config.Base.MaxRequests = 1

	summary, err := job.Run(ctx)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.EqualValues(t, 1, source.reportCalls.Load())
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, summary.Skipped)
	assert.Len(t, tracker.created, 1)

	// mappings created before the abort are kept
	reloaded, err := OpenMappingStore(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.All(), 1)
}

func TestJob_ResumesProductWithoutEngagement(t *testing.T) {
	ctx := testContext(t)
	var products, engagements atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v2/products/", func(w http.ResponseWriter, r *http.Request) {
		products.Add(1)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]interface{}{"id": 7, "name": "Acme"})
	})
	mux.HandleFunc("POST /api/v2/engagements/", func(w http.ResponseWriter, r *http.Request) {
		if engagements.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body := decodeBody(t, r)
		assert.EqualValues(t, 7, body["product"])
		assert.Equal(t, "default Acme", body["name"])
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]interface{}{"id": 11, "name": "default Acme"})
	})
	mux.HandleFunc("POST /api/v2/import-scan/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	source := &fakeSource{
		projects: []SourceProject{{ID: "P1", Name: "Acme"}},
		reports:  map[string][]Report{"P1": report("P1", "1")},
	}
	job, path := newTestJob(t, source, nil, "")
	job.Tracker = NewDefectDojoUpdater(testRunContext("", "", server.URL))

	summary, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.ErrorIs(t, summary.Results[0].Err, ErrTrackerUnavailable)

	reloaded, err := OpenMappingStore(path)
	require.NoError(t, err)
	m, ok := reloaded.FindBySourceID("P1")
	require.True(t, ok)
	assert.Equal(t, 7, m.TrackerProductID)
	assert.Equal(t, 0, m.TrackerEngagementID)

	job.Mappings = reloaded
	summary, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.EqualValues(t, 1, products.Load())
	assert.EqualValues(t, 2, engagements.Load())

	reloaded, err = OpenMappingStore(path)
	require.NoError(t, err)
	m, ok = reloaded.FindBySourceID("P1")
	require.True(t, ok)
	assert.Equal(t, ProjectMapping{
		TrackerProductID:      7,
		TrackerProductName:    "Acme",
		TrackerEngagementName: "default Acme",
		TrackerEngagementID:   11,
		SourceProjectName:     "Acme",
		SourceProjectID:       "P1",
	}, m)
}

func TestHealthCheck_Disabled(t *testing.T) {
	ctx := testContext(t)
	var h *HealthCheck
	h.Start(ctx)
	h.End(ctx)
	(&HealthCheck{RunContext: testRunContext("", "", "")}).Start(ctx)
}

func TestParseProjectSelectors(t *testing.T) {
	selectors, err := ParseProjectSelectors([]string{"P1:10 P2:20", "P1:10", "P3:5"})
	require.NoError(t, err)
	assert.Equal(t, []ProjectSelector{
		{ProjectID: "P1", EngagementID: 10},
		{ProjectID: "P2", EngagementID: 20},
		{ProjectID: "P3", EngagementID: 5},
	}, selectors)
	assert.Equal(t, "P2:20", selectors[1].String())

	selectors, err = ParseProjectSelectors(nil)
	require.NoError(t, err)
	assert.Empty(t, selectors)

	for _, arg := range []string{"P1", ":10", "P1:abc", "P1:0", "P1:-3"} {
		_, err := ParseProjectSelectors([]string{arg})
		assert.ErrorIs(t, err, ErrInvalidConfig, arg)
	}
}
