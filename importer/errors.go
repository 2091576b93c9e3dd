package importer

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when Keycloak or Defect Dojo refuse the
	// configured credentials or cannot be reached. It aborts the run.
	ErrAuthentication = errors.New("authentication failed")
	// ErrCorruptMappingFile is returned when the mapping file cannot be parsed.
	// It aborts the run; the file has to be fixed by hand.
	ErrCorruptMappingFile = errors.New("corrupt mapping file")
	// ErrInvalidConfig is returned for unusable configuration or environment values.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrSourceUnavailable is returned on network or server failures talking to Scanfactory.
	ErrSourceUnavailable = errors.New("scanfactory unavailable")
	// ErrTrackerUnavailable is returned on network or server failures talking to Defect Dojo.
	ErrTrackerUnavailable = errors.New("defect dojo unavailable")
	// ErrEngagementInactive is returned when an allow-listed engagement is closed.
	ErrEngagementInactive = errors.New("engagement is not active")

	errUnauthorized = errors.New("unauthorized")
)

// TrackerRejectedError is returned when Defect Dojo answers with a 4xx status.
// The request is not retried.
type TrackerRejectedError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *TrackerRejectedError) Error() string {
	return fmt.Sprintf("defect dojo rejected %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Body)
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrTrackerUnavailable)
}
