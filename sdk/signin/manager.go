package signin

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// AuthorizationURLFactory builds the provider authorization URL for one attempt.
type AuthorizationURLFactory interface {
	Name() string
	AuthorizationURL() (string, error)
}

// Manager owns one Reconciler per registered provider and makes sure a
// caller never has two sign-ins live at once: starting a login for any
// provider cancels the attempt of every other provider.
type Manager struct {
	deps Dependencies
	opts Options

	mu          sync.Mutex
	factories   map[string]AuthorizationURLFactory
	reconcilers map[string]*Reconciler
	current     *Reconciler
}

// NewManager constructs a manager sharing deps and opts across providers.
func NewManager(deps Dependencies, opts Options, factories ...AuthorizationURLFactory) *Manager {
	m := &Manager{
		deps:        deps,
		opts:        opts,
		factories:   make(map[string]AuthorizationURLFactory),
		reconcilers: make(map[string]*Reconciler),
	}
	for i := range factories {
		m.Register(factories[i])
	}
	return m
}

// Register adds or replaces a provider keyed by its name.
func (m *Manager) Register(f AuthorizationURLFactory) {
	if f == nil {
		return
	}
	name := strings.ToLower(strings.TrimSpace(f.Name()))
	if name == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// Providers lists registered provider names.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}
	return names
}

// Login builds the authorization URL for provider and runs one attempt.
// The returned error is only set when the provider is unknown or its URL
// cannot be built; every sign-in failure is reported through the Outcome.
func (m *Manager) Login(ctx context.Context, provider string) (Outcome, error) {
	name := strings.ToLower(strings.TrimSpace(provider))

	m.mu.Lock()
	factory, ok := m.factories[name]
	if !ok {
		m.mu.Unlock()
		return Outcome{}, fmt.Errorf("signin: provider %s not registered", provider)
	}
	reconciler, ok := m.reconcilers[name]
	if !ok {
		reconciler = NewReconciler(name, m.deps, m.opts)
		m.reconcilers[name] = reconciler
	}
	previous := m.current
	m.current = reconciler
	m.mu.Unlock()

	if previous != nil && previous != reconciler {
		previous.Cancel()
	}

	authURL, err := factory.AuthorizationURL()
	if err != nil {
		return Outcome{}, fmt.Errorf("signin: build %s authorization url: %w", name, err)
	}
	return reconciler.Start(ctx, authURL), nil
}

// Cancel cancels whichever attempt is live.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return false
	}
	return current.Cancel()
}
