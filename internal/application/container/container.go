package container

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"mt5bridge/internal/application/port"
	"mt5bridge/internal/application/retry"
	"mt5bridge/internal/application/service"
	"mt5bridge/internal/application/usecase/bridge"
	dsvc "mt5bridge/internal/domain/service"
	"mt5bridge/internal/infrastructure/metrics"
)

type Deps struct {
	Store    port.Store
	Source   port.Source
	Notifier port.Notifier // may be nil
	Live     port.Sink     // may be nil

	Policy retry.Policy

	PollInterval    time.Duration
	TickTimeout     time.Duration
	ShutdownTimeout time.Duration
	OfflineAfter    int
	InstanceID      string
}

// Container builds the application services lazily and shares one retry
// controller between them.
type Container struct {
	deps Deps

	retry           *retry.Controller
	sinkService     *service.SinkService
	sourceService   *service.SourceService
	recoveryService *service.RecoveryService
	bridge          *bridge.Service
}

func New(deps Deps) *Container {
	if deps.InstanceID == "" {
		deps.InstanceID = uuid.NewString()
	}
	return &Container{deps: deps}
}

func (c *Container) InstanceID() string { return c.deps.InstanceID }

func (c *Container) Store() port.Store { return c.deps.Store }

func (c *Container) Retry() *retry.Controller {
	if c.retry == nil {
		c.retry = retry.New(c.deps.Policy, retry.WithOnRetry(onRetry))
	}
	return c.retry
}

func (c *Container) SinkService() *service.SinkService {
	if c.sinkService == nil {
		c.sinkService = service.NewSinkService(c.deps.Store, c.deps.Notifier, c.Retry())
	}
	return c.sinkService
}

func (c *Container) SourceService() *service.SourceService {
	if c.sourceService == nil {
		c.sourceService = service.NewSourceService(c.deps.Source, c.Retry())
	}
	return c.sourceService
}

func (c *Container) RecoveryService() *service.RecoveryService {
	if c.recoveryService == nil {
		c.recoveryService = service.NewRecoveryService(c.deps.Store, c.Retry())
	}
	return c.recoveryService
}

func (c *Container) Bridge() *bridge.Service {
	if c.bridge == nil {
		c.bridge = bridge.NewService(bridge.ServiceDeps{
			Source:           c.SourceService(),
			Sink:             c.SinkService(),
			Recovery:         c.RecoveryService(),
			Reconciler:       dsvc.NewReconciler(),
			Live:             c.deps.Live,
			PollInterval:     c.deps.PollInterval,
			TickTimeout:      c.deps.TickTimeout,
			ShutdownTimeout:  c.deps.ShutdownTimeout,
			HeartbeatTimeout: c.deps.TickTimeout,
			OfflineAfter:     c.deps.OfflineAfter,
			InstanceID:       c.deps.InstanceID,
		})
	}
	return c.bridge
}

func onRetry(op string, attempt int, wait time.Duration, err error) {
	metrics.RetryAttempts.WithLabelValues(op).Inc()
	log.Warn().
		Err(err).
		Str("op", op).
		Int("attempt", attempt).
		Dur("wait", wait).
		Msg("retrying")
}
