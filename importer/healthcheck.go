package importer

import (
	"context"

	"github.com/go-logr/logr"
)

// HealthCheck pings an external monitor when a run starts and ends.
// A nil HealthCheck, or one without HEALTH_CHECK_URL, does nothing.
type HealthCheck struct {
	*RunContext
}

// Ping requests endpoint below HEALTH_CHECK_URL. Failures are only logged.
func (h *HealthCheck) Ping(ctx context.Context, endpoint string) {
	if h == nil || h.RunContext == nil || h.Environment.HealthCheckURL == "" {
		return
	}
	log := logr.FromContextOrDiscard(ctx).WithValues("Endpoint", endpoint)
	b := h.newAPIBuilder(h.Environment.HealthCheckURL, "healthcheck")
	if endpoint != "" {
		b = b.Path(endpoint)
	}
	if err := b.Fetch(ctx); err != nil {
		log.Error(err, "health check request failed")
		return
	}
	log.V(1).Info("health check sent")
}

func (h *HealthCheck) Start(ctx context.Context) {
	if h == nil || h.RunContext == nil {
		return
	}
	h.Ping(ctx, h.Environment.HealthCheckStart())
}

func (h *HealthCheck) End(ctx context.Context) {
	if h == nil || h.RunContext == nil {
		return
	}
	h.Ping(ctx, h.Environment.HealthCheckEnd())
}
