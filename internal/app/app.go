// Package app wires the presence engine, its supporting services and the
// HTTP API into one supervised process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"person_location/internal/apiclient"
	"person_location/internal/config"
	"person_location/internal/distance"
	"person_location/internal/events"
	"person_location/internal/geocode"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/httpapi"
	"person_location/internal/logging"
	"person_location/internal/presence"
	"person_location/internal/queue"
	"person_location/internal/sensors"
	"person_location/internal/store"
	"person_location/internal/switches"
	"person_location/internal/watch"
)

const (
	zoneCacheTTL    = time.Minute
	shutdownTimeout = 10 * time.Second
)

// geocodeOrder is the order providers are consulted in a geocode cycle.
var geocodeOrder = []string{health.Radar, health.OpenStreetMap, health.GoogleMaps, health.MapQuest}

// App holds every long-lived component.
type App struct {
	cfg   config.Config
	paths config.Paths

	store       *store.Store
	bus         *events.Bus
	states      *host.States
	services    *host.Services
	zones       *host.Zones
	tracker     *health.Tracker
	client      *apiclient.Client
	queue       *queue.Queue
	integration *presence.Integration
	sensors     *sensors.Publisher
	switches    *switches.Switches
	watcher     *watch.Watcher
	handler     http.Handler
}

// New opens the store and builds the component graph. Nothing runs until
// Run is called.
func New(cfg config.Config, paths config.Paths) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{cfg: cfg, paths: paths, store: st}
	a.bus = events.NewBus()
	a.states = host.NewStates(a.bus)
	a.services = host.NewServices(a.bus)
	a.zones = host.NewZones(a.states, zoneCacheTTL)
	a.tracker = health.New(ConfiguredProviders(cfg))
	a.client = apiclient.New()
	a.queue = queue.New(cfg.QueueSize, cfg.WorkerCount, cfg.JobTimeout())

	var integration *presence.Integration
	a.sensors = sensors.New(a.states, func() config.Config { return integration.Config() })
	integration = presence.New(presence.Options{
		Config:    cfg,
		States:    a.states,
		Services:  a.services,
		Zones:     a.zones,
		Store:     st,
		Tracker:   a.tracker,
		Geocoders: Geocoders(cfg, a.client),
		Distance: &distance.Resolver{
			Client:   a.client,
			Tracker:  a.tracker,
			Services: a.services,
			Keys:     cfg.APIKeys(),
		},
		Queue:   a.queue,
		Sensors: a.sensors,
	})
	a.integration = integration
	a.switches = switches.New(a.tracker, a.states, a.services, st, a.bus)
	a.watcher = watch.New(paths, a.applyConfig)
	a.handler = httpapi.NewRouter(httpapi.Deps{
		Integration: integration,
		States:      a.states,
		Services:    a.services,
		Tracker:     a.tracker,
		Store:       st,
		Queue:       a.queue,
		RateLimit:   cfg.RateLimit,
	}).Handler()
	return a, nil
}

// ConfiguredProviders lists the provider switches to create: every provider
// with a key, plus Waze when it is the routing source.
func ConfiguredProviders(cfg config.Config) []string {
	var out []string
	for _, id := range health.AllProviders {
		if id == health.Waze {
			if cfg.DistanceDurationSource == distance.SourceWaze {
				out = append(out, id)
			}
			continue
		}
		if cfg.HasKey(id) {
			out = append(out, id)
		}
	}
	return out
}

// Geocoders builds a client for every keyed provider in consultation order.
func Geocoders(cfg config.Config, client geocode.Fetcher) []geocode.Provider {
	keys := cfg.APIKeys()
	var out []geocode.Provider
	for _, id := range geocodeOrder {
		if !cfg.HasKey(id) {
			continue
		}
		switch id {
		case health.Radar:
			out = append(out, &geocode.Radar{Key: keys[id], Client: client})
		case health.OpenStreetMap:
			out = append(out, &geocode.OpenStreetMap{Key: keys[id], Client: client})
		case health.GoogleMaps:
			out = append(out, &geocode.GoogleMaps{Key: keys[id], Language: cfg.Language, Region: cfg.Region, Client: client})
		case health.MapQuest:
			out = append(out, &geocode.MapQuest{Key: keys[id], Client: client})
		}
	}
	return out
}

// Run starts everything and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.switches.Start(ctx); err != nil {
		return err
	}
	if err := a.integration.Start(ctx); err != nil {
		return err
	}

	hook := (&sutureslog.Handler{Logger: logging.Slog()}).MustHook()
	root := suture.New("person-location", suture.Spec{
		EventHook:      hook,
		FailureBackoff: 15 * time.Second,
		Timeout:        shutdownTimeout,
	})
	root.Add(&queueService{q: a.queue})
	root.Add(&httpService{server: &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}})
	if a.cfg.EnableWatcher {
		root.Add(a.watcher)
	}
	root.Add(&keyCheckService{app: a})

	logging.Info().Str("addr", a.cfg.HTTPAddr).Int("workers", a.cfg.WorkerCount).Msg("person location service starting")
	err := root.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, suture.ErrTerminateSupervisorTree) {
		return nil
	}
	return err
}

// ValidateKeys tests every configured key against the home coordinates and
// returns the failures by provider id. Home details learned along the way
// are handed to the integration.
func (a *App) ValidateKeys(ctx context.Context) map[string]error {
	cfg := a.integration.Config()
	v := &geocode.KeyValidator{
		Client:    a.client,
		Tracker:   a.tracker,
		Language:  cfg.Language,
		Region:    cfg.Region,
		Latitude:  cfg.Home.Latitude,
		Longitude: cfg.Home.Longitude,
	}
	failed := map[string]error{}
	for id, key := range cfg.APIKeys() {
		if !cfg.HasKey(id) {
			continue
		}
		info, err := v.Validate(ctx, id, key)
		if err != nil {
			logging.Warn().Str("provider", id).Err(err).Msg("api key check failed")
			failed[id] = err
			continue
		}
		a.integration.SetHome(info)
		logging.Info().Str("provider", id).Str("country", info.CountryCode).Msg("api key ok")
	}
	return failed
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Integration() *presence.Integration { return a.integration }
func (a *App) States() *host.States { return a.states }
func (a *App) Tracker() *health.Tracker { return a.tracker }

func (a *App) applyConfig(ctx context.Context, cfg config.Config) {
	if cfg.LogLevel != a.integration.Config().LogLevel {
		lc := logging.DefaultConfig()
		lc.Level = cfg.LogLevel
		lc.Format = cfg.LogFormat
		logging.Init(lc)
	}
	a.integration.Reconfigure(ctx, cfg)
	if removed := a.sensors.Prune(); len(removed) > 0 {
		logging.Info().Strs("sensors", removed).Msg("companion sensors pruned")
	}
}

func (a *App) close() {
	a.switches.Close()
	a.integration.Close()
	_ = a.zones.Close()
	if err := a.store.Close(); err != nil {
		logging.Warn().Err(err).Msg("close store")
	}
}

// Close releases resources of an App that was never run.
func (a *App) Close() { a.close() }

type queueService struct{ q *queue.Queue }

func (s *queueService) Serve(ctx context.Context) error {
	s.q.Start(ctx)
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.q.Stop(stopCtx)
	return ctx.Err()
}

func (s *queueService) String() string { return "worker-queue" }

type httpService struct{ server *http.Server }

func (s *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *httpService) String() string { return "http-server" }

// keyCheckService validates keys once after start.
type keyCheckService struct{ app *App }

func (s *keyCheckService) Serve(ctx context.Context) error {
	s.app.ValidateKeys(ctx)
	return suture.ErrDoNotRestart
}

func (s *keyCheckService) String() string { return "key-check" }
