// Package presence reconciles device tracker updates into one location
// target per person: source arbitration, the Home/Away state machine with
// its delayed transitions, and the throttled reverse-geocode cycle.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"person_location/internal/config"
	"person_location/internal/distance"
	"person_location/internal/geocode"
	"person_location/internal/health"
	"person_location/internal/host"
	"person_location/internal/logging"
	"person_location/internal/queue"
	"person_location/internal/store"
)

const (
	Domain = "person_location"
	// IntegrationEntityID mirrors the geocode on/off switch and counters.
	IntegrationEntityID = Domain + "." + Domain + "_integration"

	ServiceProcessTrigger = Domain + ".process_trigger"
	ServiceReverseGeocode = Domain + ".reverse_geocode"
	ServiceGeocodeAPIOn   = Domain + ".geocode_api_on"
	ServiceGeocodeAPIOff  = Domain + ".geocode_api_off"

	// TemplateNone skips friendly name rendering.
	TemplateNone = "NONE"

	throttleInterval = time.Second
	startupRecheck   = time.Minute
	enqueueWindow    = 2 * time.Second
	enqueueInterval  = 50 * time.Millisecond
)

var (
	ErrNotFound      = errors.New("target not found")
	ErrMissingEntity = errors.New("entity_id is required")
)

// TargetStore persists targets across restarts.
type TargetStore interface {
	SaveTarget(ctx context.Context, t store.Target) error
	LoadTargets(ctx context.Context) ([]store.Target, error)
}

// SensorSink receives a target after every geocode cycle.
type SensorSink interface {
	Update(v View)
}

// Options are the collaborators of an Integration. Store, Queue, Sensors,
// Distance and HostStarting may be nil.
type Options struct {
	Config    config.Config
	States    *host.States
	Services  *host.Services
	Zones     *host.Zones
	Scheduler host.Scheduler
	Store     TargetStore
	Tracker   *health.Tracker
	// Geocoders run in slice order.
	Geocoders []geocode.Provider
	Distance  *distance.Resolver
	Queue     *queue.Queue
	Sensors   SensorSink
	// HostStarting delays the end of the startup grace period.
	HostStarting func() bool
}

// Counters are the integration-wide call counters.
type Counters struct {
	APICallsRequested int            `json:"api_calls_requested"`
	APICallsSkipped   int            `json:"api_calls_skipped"`
	APICallsThrottled int            `json:"api_calls_throttled"`
	APIExceptionCount int            `json:"api_exception_count"`
	WazeErrorCount    int            `json:"waze_error_count"`
	TargetCalls       map[string]int `json:"target_calls"`
	APILastUpdated    time.Time      `json:"api_last_updated"`
}

// Integration is the runtime context shared by every target.
type Integration struct {
	cfgMu sync.RWMutex
	cfg   config.Config

	// mu serialises geocode cycles including their network I/O.
	mu      sync.Mutex
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	country string

	statsMu     sync.Mutex
	on          bool
	counters    Counters
	homeCountry string
	homeState   string

	startup atomic.Bool

	states       *host.States
	services     *host.Services
	zones        *host.Zones
	sched        host.Scheduler
	store        TargetStore
	tracker      *health.Tracker
	geocoders    []geocode.Provider
	resolver     *distance.Resolver
	queue        *queue.Queue
	sensors      SensorSink
	hostStarting func() bool

	targets *Registry

	timersMu  sync.Mutex
	timers    map[int]func()
	nextTimer int
	closed    bool

	unsubscribe func()
}

// New wires an Integration. Call Start to restore targets and subscribe.
func New(opts Options) *Integration {
	sched := opts.Scheduler
	if sched == nil {
		sched = host.RealScheduler{}
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = health.New(nil)
	}
	starting := opts.HostStarting
	if starting == nil {
		starting = func() bool { return false }
	}
	i := &Integration{
		cfg:          opts.Config,
		limiter:      rate.NewLimiter(rate.Every(throttleInterval), 1),
		sleep:        sleepContext,
		country:      strings.ToUpper(opts.Config.Region),
		on:           true,
		counters:     Counters{TargetCalls: make(map[string]int)},
		states:       opts.States,
		services:     opts.Services,
		zones:        opts.Zones,
		sched:        sched,
		store:        opts.Store,
		tracker:      tracker,
		geocoders:    opts.Geocoders,
		resolver:     opts.Distance,
		queue:        opts.Queue,
		sensors:      opts.Sensors,
		hostStarting: starting,
		targets:      NewRegistry(),
		timers:       make(map[int]func()),
	}
	i.startup.Store(true)
	return i
}

// Config returns the effective configuration.
func (i *Integration) Config() config.Config {
	i.cfgMu.RLock()
	defer i.cfgMu.RUnlock()
	return i.cfg
}

// SetConfig swaps the configuration and returns the previous one.
func (i *Integration) SetConfig(cfg config.Config) config.Config {
	i.cfgMu.Lock()
	prev := i.cfg
	i.cfg = cfg
	i.cfgMu.Unlock()
	return prev
}

// Reconfigure applies a reloaded configuration: zones are republished,
// targets for new person names are created and, when the friendly name
// template changed, every geocoded target is rendered again. Geocoders and
// the distance resolver keep the keys they were built with.
func (i *Integration) Reconfigure(ctx context.Context, cfg config.Config) config.Config {
	prev := i.SetConfig(cfg)
	i.publishZones(cfg)
	i.createConfigured(ctx, cfg)
	if cfg.FriendlyNameTemplate != prev.FriendlyNameTemplate {
		n := i.RegeocodeAll(cfg.FriendlyNameTemplate)
		logging.Info().Int("targets", n).Msg("friendly name template changed")
	}
	i.publish()
	return prev
}

// Targets is the target registry.
func (i *Integration) Targets() *Registry { return i.targets }

// Starting reports whether the startup grace period is still running.
func (i *Integration) Starting() bool { return i.startup.Load() }

// APIEnabled reports the geocode on/off switch.
func (i *Integration) APIEnabled() bool {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	return i.on
}

// SetAPIEnabled pauses or resumes geocoding.
func (i *Integration) SetAPIEnabled(on bool) {
	i.statsMu.Lock()
	i.on = on
	i.statsMu.Unlock()
	logging.Info().Bool("on", on).Msg("geocode api switched")
	i.publish()
}

// Counters returns a copy of the call counters.
func (i *Integration) Counters() Counters {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	c := i.counters
	c.TargetCalls = make(map[string]int, len(i.counters.TargetCalls))
	for k, v := range i.counters.TargetCalls {
		c.TargetCalls[k] = v
	}
	return c
}

// SetHome records what key validation learned about the home location.
func (i *Integration) SetHome(info geocode.HomeInfo) {
	i.statsMu.Lock()
	if info.CountryCode != "" {
		i.homeCountry = info.CountryCode
	}
	if info.State != "" {
		i.homeState = info.State
	}
	i.statsMu.Unlock()
	i.publish()
}

// Start publishes zones, restores persisted targets, creates configured
// ones, registers the services, subscribes to device trackers and arms the
// startup grace timer.
func (i *Integration) Start(ctx context.Context) error {
	cfg := i.Config()
	i.publishZones(cfg)
	if err := i.restore(ctx, cfg); err != nil {
		return fmt.Errorf("restore targets: %w", err)
	}
	i.createConfigured(ctx, cfg)
	i.registerServices()
	i.unsubscribe = i.states.Subscribe(i.onStateChange)
	i.armStartupGrace(cfg.StartupGrace())
	i.publish()
	logging.Info().Int("targets", len(i.targets.All())).Msg("presence integration started")
	return nil
}

// Close cancels pending timers and stops listening.
func (i *Integration) Close() {
	i.timersMu.Lock()
	i.closed = true
	for id, cancel := range i.timers {
		cancel()
		delete(i.timers, id)
	}
	i.timersMu.Unlock()
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
	for _, name := range []string{ServiceProcessTrigger, ServiceReverseGeocode, ServiceGeocodeAPIOn, ServiceGeocodeAPIOff} {
		i.services.Unregister(name)
	}
}

func (i *Integration) createConfigured(ctx context.Context, cfg config.Config) {
	for _, p := range cfg.PersonNames {
		entityID := cfg.Platform + "." + strings.ToLower(p.Name) + "_location"
		if t, created := i.targets.GetOrCreate(entityID, p.Name); created {
			t.mu.Lock()
			i.persist(ctx, t)
			t.mu.Unlock()
		}
	}
}

func (i *Integration) publishZones(cfg config.Config) {
	i.zones.Put(host.Zone{
		ID:           "home",
		FriendlyName: "Home",
		Icon:         "mdi:home",
		Latitude:     cfg.Home.Latitude,
		Longitude:    cfg.Home.Longitude,
		Radius:       cfg.Home.Radius,
	})
	for _, z := range cfg.Zones {
		name := z.Name
		if name == "" {
			name = z.ID
		}
		i.zones.Put(host.Zone{ID: z.ID, FriendlyName: name, Icon: z.Icon, Latitude: z.Latitude, Longitude: z.Longitude, Radius: z.Radius})
	}
}

func (i *Integration) restore(ctx context.Context, cfg config.Config) error {
	if i.store == nil {
		return nil
	}
	recs, err := i.store.LoadTargets(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		t := restoreTarget(rec)
		for id, key := range geocode.AttributeKeys {
			if !cfg.HasKey(id) {
				delete(t.Attrs.Geocoded, key)
			}
		}
		i.targets.add(t)
		i.states.Put(host.State{
			EntityID:    t.EntityID,
			State:       t.State,
			Attributes:  t.Attrs.ToMap(),
			LastChanged: t.LastChanged,
			LastUpdated: t.LastUpdated,
		})
		i.RearmOnRestore(t)
		logging.Entity(t.EntityID).Info().Str("state", t.State).Msg("target restored")
	}
	return nil
}

// armStartupGrace ends the startup period after d, re-checking every minute
// while the host is still starting.
func (i *Integration) armStartupGrace(d time.Duration) {
	i.timersMu.Lock()
	defer i.timersMu.Unlock()
	if i.closed {
		return
	}
	id := i.nextTimer
	i.nextTimer++
	i.timers[id] = i.sched.CallAt(i.sched.Now().Add(d), func() {
		i.timersMu.Lock()
		delete(i.timers, id)
		i.timersMu.Unlock()
		if i.hostStarting() {
			i.armStartupGrace(startupRecheck)
			return
		}
		i.startup.Store(false)
		logging.Info().Msg("startup grace period over")
		i.publish()
	})
}

// watches reports whether entityID feeds a target.
func (i *Integration) watches(entityID string) bool {
	cfg := i.Config()
	if _, ok := cfg.DeviceOwners()[strings.ToLower(entityID)]; ok {
		return true
	}
	return cfg.FollowPersonIntegration && strings.HasPrefix(entityID, "person.")
}

func (i *Integration) onStateChange(entityID string, old, new *host.State) {
	if new == nil || !i.watches(entityID) {
		return
	}
	from := StateUnknown
	if old != nil {
		from = old.State
	}
	to := new.State
	i.dispatch("trigger", entityID, func(ctx context.Context) error {
		return i.ProcessTrigger(ctx, entityID, from, to)
	})
}

// dispatch runs fn on the worker pool, or inline when there is none. A pool
// that stays full for the enqueue window also falls back to inline.
func (i *Integration) dispatch(source, entityID string, fn func(ctx context.Context) error) {
	if i.queue != nil && i.queue.Healthy() {
		job := queue.Job{ID: uuid.NewString(), Source: source, Work: fn}
		enqueued, _ := i.queue.EnqueueWithRetry(context.Background(), job, enqueueWindow, enqueueInterval)
		if enqueued {
			return
		}
		logging.Entity(entityID).Warn().Str("source", source).Msg("job queue full, running inline")
	}
	if err := fn(context.Background()); err != nil {
		logging.Entity(entityID).Warn().Err(err).Str("source", source).Msg("inline job failed")
	}
}

// persist publishes the target state and saves it. The caller holds the
// target lock.
func (i *Integration) persist(ctx context.Context, t *Target) {
	t.touch(i.sched.Now())
	i.states.Put(host.State{
		EntityID:    t.EntityID,
		State:       t.State,
		Attributes:  t.Attrs.ToMap(),
		LastChanged: t.LastChanged,
		LastUpdated: t.LastUpdated,
	})
	if i.store == nil {
		return
	}
	if err := i.store.SaveTarget(ctx, t.record()); err != nil {
		logging.Entity(t.EntityID).Error().Err(err).Msg("save target failed")
	}
}

// publish mirrors the switch and counters onto the integration entity.
func (i *Integration) publish() {
	c := i.Counters()
	i.statsMu.Lock()
	state, icon := "on", "mdi:api"
	if !i.on {
		state, icon = "off", "mdi:api-off"
	}
	homeCountry, homeState := i.homeCountry, i.homeState
	i.statsMu.Unlock()

	cfg := i.Config()
	attrs := map[string]any{
		"icon":                icon,
		"friendly_name":       "Person Location Service",
		"home_latitude":       cfg.Home.Latitude,
		"home_longitude":      cfg.Home.Longitude,
		"startup":             i.startup.Load(),
		"api_calls_requested": c.APICallsRequested,
		"api_calls_skipped":   c.APICallsSkipped,
		"api_calls_throttled": c.APICallsThrottled,
		"api_exception_count": c.APIExceptionCount,
		"waze_error_count":    c.WazeErrorCount,
	}
	if !c.APILastUpdated.IsZero() {
		attrs["api_last_updated"] = c.APILastUpdated.Format(time.RFC3339)
	}
	if homeCountry != "" {
		attrs["home_country_code"] = homeCountry
	}
	if homeState != "" {
		attrs["home_state"] = homeState
	}
	for id, n := range c.TargetCalls {
		attrs[id+" calls"] = n
	}
	i.states.Set(IntegrationEntityID, state, attrs)
}

func (i *Integration) count(fn func(c *Counters)) {
	i.statsMu.Lock()
	fn(&i.counters)
	i.statsMu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
