package host

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"person_location/internal/events"
)

// ErrServiceNotFound is returned by Call for unregistered names.
var ErrServiceNotFound = errors.New("service not found")

// Handler serves one service call. The response may be nil.
type Handler func(ctx context.Context, data map[string]any) (map[string]any, error)

// Services is the service registry. Names are "<domain>.<service>".
type Services struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	bus      *events.Bus
}

func NewServices(bus *events.Bus) *Services {
	return &Services{handlers: make(map[string]Handler), bus: bus}
}

// Register adds or replaces a handler.
func (s *Services) Register(name string, h Handler) {
	s.mu.Lock()
	s.handlers[name] = h
	s.mu.Unlock()
}

// Unregister removes a handler.
func (s *Services) Unregister(name string) {
	s.mu.Lock()
	delete(s.handlers, name)
	s.mu.Unlock()
}

func (s *Services) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[name]
	return ok
}

// Call runs the handler on the caller's goroutine.
func (s *Services) Call(ctx context.Context, name string, data map[string]any) (map[string]any, error) {
	s.mu.RLock()
	h, ok := s.handlers[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrServiceNotFound)
	}
	if s.bus != nil {
		s.bus.Publish(events.New(events.ServiceCalled, "", map[string]any{"service": name}))
	}
	return h(ctx, data)
}

// Names lists registered services.
func (s *Services) Names() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
