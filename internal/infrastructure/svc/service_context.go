package svc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	appcontainer "mt5bridge/internal/application/container"
	"mt5bridge/internal/application/port"
	"mt5bridge/internal/application/retry"
	"mt5bridge/internal/application/usecase/bridge"
	"mt5bridge/internal/infrastructure/config"
	"mt5bridge/internal/infrastructure/container"
	"mt5bridge/internal/infrastructure/storage/composite"
	"mt5bridge/internal/infrastructure/terminal"
	"mt5bridge/internal/interfaces/console"
	"mt5bridge/internal/interfaces/httpapi"
	"mt5bridge/internal/interfaces/ws"
)

// ServiceContext is the single place where the process is assembled.
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	infra *container.Container
	app   *appcontainer.Container
	hub   *ws.Hub
	http  *http.Server

	closerChain []func() error
}

func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	infra, err := container.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		infra:       infra,
		closerChain: []func() error{infra.Close},
	}

	if cfg.WS.Enabled {
		sc.hub = ws.NewHub(cfg.WS.JWTSecret, cfg.WS.AllowedOrigins)
	}
	notifier := composite.New(infra.Redis(), sc.hubNotifier())

	var live port.Sink
	if cfg.App.Live {
		live = console.NewSink()
	}

	client := terminal.NewClient(terminal.Config{
		BaseURL:    cfg.Terminal.BaseURL,
		Token:      cfg.Terminal.Token,
		RatePerSec: cfg.Terminal.RatePerSec,
		Timeout:    cfg.TerminalTimeout(),
	})

	deps := appcontainer.Deps{
		Store:           infra.Store(),
		Source:          client,
		Live:            live,
		Policy:          RetryPolicy(cfg),
		PollInterval:    cfg.PollInterval(),
		TickTimeout:     cfg.TickTimeout(),
		ShutdownTimeout: cfg.ShutdownTimeout(),
		OfflineAfter:    cfg.App.OfflineAfter,
		InstanceID:      cfg.App.InstanceID,
	}
	if notifier.Len() > 0 {
		deps.Notifier = notifier
	}
	sc.app = appcontainer.New(deps)

	log.Info().
		Str("instance", sc.app.InstanceID()).
		Str("terminal", cfg.Terminal.BaseURL).
		Str("driver", cfg.Storage.Driver).
		Int("notifiers", notifier.Len()).
		Msg("components initialized")
	return sc, nil
}

// hubNotifier avoids handing composite a typed nil.
func (sc *ServiceContext) hubNotifier() port.Notifier {
	if sc.hub == nil {
		return nil
	}
	return sc.hub
}

func RetryPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		JitterFraction: cfg.Retry.JitterFraction,
		AttemptTimeout: cfg.AttemptTimeout(),
	}
}

func (sc *ServiceContext) Bridge() *bridge.Service { return sc.app.Bridge() }

func (sc *ServiceContext) App() *appcontainer.Container { return sc.app }

func (sc *ServiceContext) Store() port.Store { return sc.infra.Store() }

func (sc *ServiceContext) InstanceID() string { return sc.app.InstanceID() }

// StartHTTP serves the operational endpoints and the change feed until ctx
// is done. An empty listen address disables it.
func (sc *ServiceContext) StartHTTP(ctx context.Context) error {
	addr := strings.TrimSpace(sc.Config.App.HTTPListen)
	if addr == "" {
		return nil
	}

	deps := httpapi.RouterDeps{
		Health: sc.app.Bridge(),
		Store:  sc.infra.Store(),
		Debug:  strings.EqualFold(sc.Config.Log.Level, "debug"),
	}
	if sc.hub != nil {
		go sc.hub.Run(ctx)
		deps.Hub = sc.hub
	}

	sc.http = &http.Server{
		Addr:              addr,
		Handler:           httpapi.SetupRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	sc.closerChain = append(sc.closerChain, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sc.http.Shutdown(shutdownCtx)
	})

	go func() {
		log.Info().Str("addr", addr).Bool("ws", sc.hub != nil).Msg("http listening")
		if err := sc.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
		}
	}()
	return nil
}

// Close releases everything in reverse order of creation.
func (sc *ServiceContext) Close() error {
	var errs []error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
