package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"strconv"
	"sync"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"
)

const (
	EngagementEnvironment = "Prod"
	EngagementType        = "Interactive"
	EngagementDateFormat  = "2006-01-02"
)

// DefectDojoUpdater handles creating products and engagements and importing
// reports through the Defect Dojo API.
// It embeds *RunContext for shared run configuration.
type DefectDojoUpdater struct {
	*RunContext

	// Now overrides time.Now for engagement target dates.
	Now func() time.Time

	mu    sync.Mutex
	token string
}

func NewDefectDojoUpdater(rc *RunContext) *DefectDojoUpdater {
	return &DefectDojoUpdater{RunContext: rc, token: rc.Environment.DDojoToken}
}

// DefectDojoAPIBuilder returns a new requests.Builder configured for the Defect Dojo API.
func (u *DefectDojoUpdater) DefectDojoAPIBuilder() *requests.Builder {
	u.mu.Lock()
	token := u.token
	u.mu.Unlock()
	result := u.newAPIBuilder(u.Environment.DDojoURL, "ddojo").
		Accept("application/json")
	if token != "" {
		result = result.Header("Authorization", "Token "+token)
	}
	return result
}

// trackerError classifies a failed Defect Dojo call.
func trackerError(operation string, capture responseCapture, err error) error {
	switch {
	case err == nil:
		return nil
	case capture.clientError():
		return &TrackerRejectedError{Operation: operation, StatusCode: capture.Status, Body: bodySnippet(capture.Body)}
	default:
		return fmt.Errorf("%w: %s: %w", ErrTrackerUnavailable, operation, err)
	}
}

// send runs a request built by configure and classifies its failure.
func (u *DefectDojoUpdater) send(ctx context.Context, operation string, configure func(*requests.Builder) *requests.Builder) (string, error) {
	var result string
	var capture responseCapture
	err := configure(u.DefectDojoAPIBuilder()).
		AddValidator(capture.recordStatus).
		AddValidator(capture.checkStatus()).
		ToString(&result).
		Fetch(ctx)
	return result, trackerError(operation, capture, err)
}

// Authenticate exchanges the configured username and password for an API
// token when no token is configured, then checks the token grants access.
func (u *DefectDojoUpdater) Authenticate(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)
	u.mu.Lock()
	hasToken := u.token != ""
	u.mu.Unlock()
	if !hasToken {
		json, err := u.send(ctx, "api token exchange", func(b *requests.Builder) *requests.Builder {
			return b.Path("api/v2/api-token-auth/").
				BodyJSON(map[string]string{
					"username": u.Environment.DDojoUsername,
					"password": u.Environment.DDojoPassword,
				})
		})
		if err != nil {
			return fmt.Errorf("%w: defect dojo login for %q: %w", ErrAuthentication, u.Environment.DDojoUsername, err)
		}
		token := gjson.Get(json, "token").String()
		if token == "" {
			return fmt.Errorf("%w: defect dojo login response has no token", ErrAuthentication)
		}
		u.mu.Lock()
		u.token = token
		u.mu.Unlock()
		log.Info("authenticated to defect dojo", "Username", u.Environment.DDojoUsername)
	}
	return u.CheckAccess(ctx)
}

// CheckAccess verifies the API token against the users endpoint.
func (u *DefectDojoUpdater) CheckAccess(ctx context.Context) error {
	_, err := u.send(ctx, "access check", func(b *requests.Builder) *requests.Builder {
		return b.Path("api/v2/users/")
	})
	if err != nil {
		return fmt.Errorf("%w: check the defect dojo url and api token: %w", ErrAuthentication, err)
	}
	logr.FromContextOrDiscard(ctx).Info("defect dojo access granted")
	return nil
}

// CreateProduct creates a product named after a Scanfactory project.
func (u *DefectDojoUpdater) CreateProduct(ctx context.Context, projectName string) (int, string, error) {
	payload, err := u.Config.Product.Payload(projectName)
	if err != nil {
		return 0, "", err
	}
	json, err := u.send(ctx, "product creation", func(b *requests.Builder) *requests.Builder {
		return b.Path("api/v2/products/").
			BodyBytes(payload).
			ContentType("application/json")
	})
	if err != nil {
		return 0, "", err
	}
	id, name := gjson.Get(json, "id").Int(), gjson.Get(json, "name").String()
	if id == 0 || name == "" {
		return 0, "", fmt.Errorf("product creation for %q returned no id or name: %s", projectName, bodySnippet(json))
	}
	logr.FromContextOrDiscard(ctx).Info("product created", "ProductID", id, "ProjectName", projectName)
	return int(id), name, nil
}

type engagementPayload struct {
	Name                      string `json:"name"`
	Description               string `json:"description"`
	TargetStart               string `json:"target_start"`
	TargetEnd                 string `json:"target_end"`
	Product                   int    `json:"product"`
	Environment               string `json:"environment"`
	EngagementType            string `json:"engagement_type"`
	Lead                      int    `json:"lead"`
	DeduplicationOnEngagement bool   `json:"deduplication_on_engagement"`
}

func (u *DefectDojoUpdater) now() time.Time {
	if u.Now != nil {
		return u.Now().UTC()
	}
	return time.Now().UTC()
}

func (u *DefectDojoUpdater) newEngagementPayload(productID int, projectName string) engagementPayload {
	start := u.now()
	return engagementPayload{
		Name:                      fmt.Sprintf("default %s", projectName),
		Description:               fmt.Sprintf("Default engagement for '%s'", projectName),
		TargetStart:               start.Format(EngagementDateFormat),
		TargetEnd:                 start.AddDate(0, 0, u.Config.Base.EngagementDurationDays).Format(EngagementDateFormat),
		Product:                   productID,
		Environment:               EngagementEnvironment,
		EngagementType:            EngagementType,
		Lead:                      u.Config.Base.LeadUserID,
		DeduplicationOnEngagement: u.Config.Base.DeduplicationOnEngagement,
	}
}

// CreateEngagement creates the default engagement of a product.
func (u *DefectDojoUpdater) CreateEngagement(ctx context.Context, productID int, projectName string) (int, string, error) {
	json, err := u.send(ctx, "engagement creation", func(b *requests.Builder) *requests.Builder {
		return b.Path("api/v2/engagements/").
			BodyJSON(u.newEngagementPayload(productID, projectName))
	})
	if err != nil {
		return 0, "", err
	}
	id, name := gjson.Get(json, "id").Int(), gjson.Get(json, "name").String()
	if id == 0 || name == "" {
		return 0, "", fmt.Errorf("engagement creation for %q returned no id or name: %s", projectName, bodySnippet(json))
	}
	logr.FromContextOrDiscard(ctx).Info("engagement created", "EngagementID", id, "ProjectName", projectName)
	return int(id), name, nil
}

// EnsureProductAndEngagement creates a product and its default engagement for
// a project that has no mapping yet. Creation is not retried.
func (u *DefectDojoUpdater) EnsureProductAndEngagement(ctx context.Context, project SourceProject) (ProjectMapping, error) {
	result := ProjectMapping{SourceProjectID: project.ID, SourceProjectName: project.Name}
	productID, productName, err := u.CreateProduct(ctx, project.Name)
	if err != nil {
		return result, err
	}
	result.TrackerProductID, result.TrackerProductName = productID, productName
	engagementID, engagementName, err := u.CreateEngagement(ctx, productID, project.Name)
	if err != nil {
		return result, err
	}
	result.TrackerEngagementID, result.TrackerEngagementName = engagementID, engagementName
	return result, nil
}

// DescribeEngagement verifies the engagement of an allow-list entry exists and
// is active, and resolves the product it belongs to.
func (u *DefectDojoUpdater) DescribeEngagement(ctx context.Context, selector ProjectSelector) (ProjectMapping, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("ProjectID", selector.ProjectID, "EngagementID", selector.EngagementID)
	result := selector.placeholderMapping()

	var json string
	err := withRetry(ctx, u.Config.Base.Retry, func() error {
		var err error
		json, err = u.send(ctx, "engagement lookup", func(b *requests.Builder) *requests.Builder {
			return b.Pathf("api/v2/engagements/%d/", selector.EngagementID)
		})
		return err
	})
	if err != nil {
		return result, err
	}
	if !gjson.Get(json, "active").Bool() {
		return result, fmt.Errorf("engagement %d of project %s: %w", selector.EngagementID, selector.ProjectID, ErrEngagementInactive)
	}
	log.V(1).Info("engagement is active")
	if name := gjson.Get(json, "name").String(); name != "" {
		result.TrackerEngagementName = name
	}

	productID := int(gjson.Get(json, "product").Int())
	if productID == 0 {
		return result, nil
	}
	result.TrackerProductID = productID
	err = withRetry(ctx, u.Config.Base.Retry, func() error {
		var err error
		json, err = u.send(ctx, "product lookup", func(b *requests.Builder) *requests.Builder {
			return b.Pathf("api/v2/products/%d/", productID)
		})
		return err
	})
	if err != nil {
		log.Error(err, "failed to resolve product name", "ProductID", productID)
		return result, nil
	}
	if name := gjson.Get(json, "name").String(); name != "" {
		result.TrackerProductName = name
	}
	return result, nil
}

// ImportReport uploads a report into an engagement.
func (u *DefectDojoUpdater) ImportReport(ctx context.Context, engagementID int, report Report, options ImportOptions) error {
	log := logr.FromContextOrDiscard(ctx).WithValues("TaskID", report.TaskID)
	body, contentType, err := importScanBody(engagementID, report, options)
	if err != nil {
		return err
	}
	err = withRetry(ctx, u.Config.Base.Retry, func() error {
		_, err := u.send(ctx, "report import", func(b *requests.Builder) *requests.Builder {
			return b.Path("api/v2/import-scan/").
				BodyBytes(body).
				ContentType(contentType)
		})
		if err != nil && retryable(err) {
			log.V(1).Info("report import failed, retrying", "Error", err.Error())
		}
		return err
	})
	var rejected *TrackerRejectedError
	if errors.As(err, &rejected) {
		log.Error(err, "defect dojo rejected the report", "Status", rejected.StatusCode)
		return err
	}
	if err != nil {
		return err
	}
	log.Info("report imported", "Filename", report.Filename())
	return nil
}

// importScanBody encodes the multipart form of the import-scan endpoint.
func importScanBody(engagementID int, report Report, options ImportOptions) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := []struct{ name, value string }{
		{"scan_type", options.ScanType},
		{"verified", "true"},
		{"active", "true"},
		{"engagement", strconv.Itoa(engagementID)},
		{"minimum_severity", options.MinimumSeverity},
		{"auto_create_context", strconv.FormatBool(options.AutoCreateContext)},
		{"deduplication_on_engagement", strconv.FormatBool(options.DeduplicationOnEngagement)},
	}
	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	fw, err := mw.CreateFormFile("file", report.Filename())
	if err != nil {
		return nil, "", err
	}
	if _, err = fw.Write(report.Content); err != nil {
		return nil, "", err
	}
	if err = mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}
