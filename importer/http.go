package importer

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
)

// HTTPRequestTimeout is the default timeout for all HTTP requests to external APIs.
const HTTPRequestTimeout = 60 * time.Second

// RequestsRecordingRoot is where recorded request/response pairs are written
// when RunContext.RecordRequests is set.
const RequestsRecordingRoot = "testdata/.requests"

// baseURL makes relative Path calls resolve below any path prefix of u.
func baseURL(u string) string {
	return strings.TrimSuffix(u, "/") + "/"
}

// newAPIBuilder returns a new requests.Builder rooted at u.
// The recording path uses target to distinguish between the remote APIs.
func (rc *RunContext) newAPIBuilder(u string, target string) *requests.Builder {
	result := requests.
		URL(baseURL(u)).
		Client(rc.httpClient())
	if rc.RecordRequests {
		result = result.Transport(requests.Record(nil, fmt.Sprintf("%s/%s", RequestsRecordingRoot, target)))
	}
	return result
}

func (rc *RunContext) httpClient() *http.Client {
	if rc.HTTPClient != nil {
		return rc.HTTPClient
	}
	return &http.Client{Timeout: HTTPRequestTimeout}
}

// responseCapture keeps the status code and, for unsuccessful responses,
// the body of a request so callers can classify failures.
type responseCapture struct {
	Status int
	Body   string
}

func (c *responseCapture) recordStatus(res *http.Response) error {
	c.Status = res.StatusCode
	return nil
}

// checkStatus fails on non-2xx responses and keeps the error body.
func (c *responseCapture) checkStatus() requests.ResponseHandler {
	return requests.ValidatorHandler(requests.DefaultValidator, requests.ToString(&c.Body))
}

func (c *responseCapture) clientError() bool {
	return c.Status >= 400 && c.Status < 500
}

// bodySnippet trims long error bodies before they reach logs and errors.
func bodySnippet(body string) string {
	const max = 512
	body = strings.TrimSpace(body)
	if len(body) > max {
		return body[:max] + "..."
	}
	return body
}
