package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/carlmjohnson/requests"
	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"
)

const (
	ScanfactoryPageLimit = 100
	// TaskStatusFinished is the Scanfactory status of a completed task.
	TaskStatusFinished = "6"
	TaskToolInfrascan  = "infrascan"
)

// SourceProject is a Scanfactory project.
type SourceProject struct {
	ID   string
	Name string
}

// Report is the latest report artifact of a Scanfactory project or host.
type Report struct {
	ProjectID string
	TaskID    string
	Host      string
	Path      string
	Ext       string
	Content   []byte
}

// ContentType is the media type requested when downloading the report.
func (r Report) ContentType() string {
	if r.Ext == "xml" {
		return "application/xml"
	}
	return "text/csv"
}

// Filename is the name the report is uploaded under.
func (r Report) Filename() string {
	return fmt.Sprintf("nessus_%s.%s", r.TaskID, r.Ext)
}

// ScanfactoryFetcher handles fetching projects and reports from the Scanfactory API.
// It embeds *RunContext for shared run configuration.
type ScanfactoryFetcher struct {
	*RunContext
	Tokens *TokenProvider
}

// ScanfactoryAPIBuilder returns a new requests.Builder configured for the Scanfactory API.
func (f *ScanfactoryFetcher) ScanfactoryAPIBuilder() *requests.Builder {
	return f.newAPIBuilder(f.Environment.ScanfactoryURL, "scanfactory")
}

// sourceError classifies a failed Scanfactory call.
func sourceError(operation string, capture responseCapture, err error) error {
	switch {
	case err == nil:
		return nil
	case capture.Status == http.StatusUnauthorized:
		return fmt.Errorf("scanfactory %s: %w", operation, errUnauthorized)
	case capture.Status == 0 || capture.Status >= 500:
		return fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, operation, err)
	default:
		return fmt.Errorf("scanfactory %s failed (HTTP %d): %s", operation, capture.Status, bodySnippet(capture.Body))
	}
}

// fetchJSON runs a GET built by configure with the run's token, retrying
// transient failures and refreshing the token on a 401.
func (f *ScanfactoryFetcher) fetchJSON(ctx context.Context, operation string, configure func(*requests.Builder) *requests.Builder) (string, error) {
	var result string
	err := withRetry(ctx, f.Config.Base.Retry, func() error {
		return f.Tokens.Do(ctx, func(token string) error {
			var capture responseCapture
			err := configure(f.ScanfactoryAPIBuilder()).
				Param("token", token).
				Accept("application/json").
				AddValidator(capture.recordStatus).
				AddValidator(capture.checkStatus()).
				ToString(&result).
				Fetch(ctx)
			if err != nil {
				return sourceError(operation, capture, err)
			}
			if !gjson.Valid(result) {
				return fmt.Errorf("%w: %s: invalid json response", ErrSourceUnavailable, operation)
			}
			return nil
		})
	})
	return result, err
}

// fetchPages follows limit/offset pagination until count items were read or
// an empty page is returned.
func (f *ScanfactoryFetcher) fetchPages(ctx context.Context, operation string, configure func(*requests.Builder) *requests.Builder, each func(gjson.Result)) error {
	for offset := 0; ; {
		page, err := f.fetchJSON(ctx, operation, func(b *requests.Builder) *requests.Builder {
			return configure(b).
				Param("limit", strconv.Itoa(ScanfactoryPageLimit)).
				Param("offset", strconv.Itoa(offset))
		})
		if err != nil {
			return err
		}
		items := gjson.Get(page, "items").Array()
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			each(item)
		}
		offset += len(items)
		count := gjson.Get(page, "count")
		if !count.Exists() || offset >= int(count.Int()) {
			return nil
		}
	}
}

// ListProjects fetches every project of the tenant.
func (f *ScanfactoryFetcher) ListProjects(ctx context.Context) ([]SourceProject, error) {
	var result []SourceProject
	err := f.fetchPages(ctx, "list projects", func(b *requests.Builder) *requests.Builder {
		return b.Path("api/projects/")
	}, func(item gjson.Result) {
		id := item.Get("id").String()
		if id == "" {
			return
		}
		result = append(result, SourceProject{ID: id, Name: item.Get("name").String()})
	})
	if err != nil {
		return nil, err
	}
	logr.FromContextOrDiscard(ctx).Info("received projects", "Count", len(result))
	return result, nil
}

// AliveHosts fetches the IPv4 addresses of the alive hosts of a project.
func (f *ScanfactoryFetcher) AliveHosts(ctx context.Context, projectID string) ([]string, error) {
	var result []string
	err := f.fetchPages(ctx, "list hosts", func(b *requests.Builder) *requests.Builder {
		return b.Path("api/hosts/").
			Param("project_id", projectID).
			Param("alive", "1")
	}, func(item gjson.Result) {
		if ip := item.Get("ipv4").String(); ip != "" {
			result = append(result, ip)
		}
	})
	return result, err
}

// LatestReport fetches the report of the latest finished infrascan task of a
// project. It returns nil when there is no finished task or no report file.
func (f *ScanfactoryFetcher) LatestReport(ctx context.Context, projectID string) (*Report, error) {
	return f.latestReport(ctx, projectID, "")
}

// LatestReports returns the reports to import for a project: one per alive
// host when per_host_reports is set, otherwise the latest project report.
func (f *ScanfactoryFetcher) LatestReports(ctx context.Context, projectID string) ([]Report, error) {
	if !f.Config.Base.PerHostReports {
		report, err := f.LatestReport(ctx, projectID)
		if err != nil || report == nil {
			return nil, err
		}
		return []Report{*report}, nil
	}

	log := logr.FromContextOrDiscard(ctx).WithValues("ProjectID", projectID)
	hosts, err := f.AliveHosts(ctx, projectID)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("received alive hosts", "Count", len(hosts))

	var result []Report
	var errs []error
	seen := make(map[string]bool)
	for _, host := range hosts {
		report, err := f.latestReport(ctx, projectID, host)
		if err != nil {
			log.Error(err, "failed to fetch host report", "Host", host)
			errs = append(errs, err)
			continue
		}
		if report == nil || seen[report.TaskID] {
			continue
		}
		seen[report.TaskID] = true
		result = append(result, *report)
	}
	if len(result) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return result, nil
}

func (f *ScanfactoryFetcher) latestReport(ctx context.Context, projectID string, host string) (*Report, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("ProjectID", projectID)
	json, err := f.fetchJSON(ctx, "latest task", func(b *requests.Builder) *requests.Builder {
		b = b.Path("api/tasks/").
			Param("project_id", projectID).
			Param("tool", TaskToolInfrascan).
			Param("sort", "-mdate").
			Param("status", TaskStatusFinished).
			Param("limit", "1")
		if host != "" {
			b = b.Param("host", host)
		}
		return b
	})
	if err != nil {
		return nil, err
	}
	task := gjson.Get(json, "items.0")
	if !task.Exists() {
		log.V(1).Info("no finished task", "Host", host)
		return nil, nil
	}
	report := &Report{
		ProjectID: projectID,
		TaskID:    task.Get("id").String(),
		Host:      host,
		Path:      task.Get("uploaded_files|@reportFile").String(),
		Ext:       task.Get("uploaded_files|@reportFile|@ext").String(),
	}
	if report.Path == "" {
		log.V(1).Info("no report uploaded for task", "TaskID", report.TaskID, "Host", host)
		return nil, nil
	}
	report.Content, err = f.download(ctx, report.Path, report.ContentType())
	if err != nil {
		return nil, err
	}
	if report.Content == nil {
		log.Info("report file not found", "TaskID", report.TaskID, "Path", report.Path)
		return nil, nil
	}
	return report, nil
}

// download fetches an uploaded file. A missing file is returned as nil content.
func (f *ScanfactoryFetcher) download(ctx context.Context, path string, contentType string) ([]byte, error) {
	var result []byte
	err := withRetry(ctx, f.Config.Base.Retry, func() error {
		return f.Tokens.Do(ctx, func(token string) error {
			var capture responseCapture
			var buf bytes.Buffer
			err := f.ScanfactoryAPIBuilder().
				Path("api/"+path).
				Param("token", token).
				Accept(contentType).
				AddValidator(capture.recordStatus).
				AddValidator(capture.checkStatus()).
				ToBytesBuffer(&buf).
				Fetch(ctx)
			if capture.Status == http.StatusNotFound {
				result = nil
				return nil
			}
			if err != nil {
				return sourceError("download report", capture, err)
			}
			if bytes.Contains(buf.Bytes(), []byte("File not found")) {
				result = nil
				return nil
			}
			result = buf.Bytes()
			return nil
		})
	})
	return result, err
}
