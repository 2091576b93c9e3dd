package importer

import "net/http"

// RunContext holds shared run configuration.
// It is immutable after construction and is shared by every worker of a run.
type RunContext struct {
	Config         Config
	Environment    Environment
	RecordRequests bool

	// HTTPClient overrides the default client (HTTPRequestTimeout) when set.
	HTTPClient *http.Client
}
