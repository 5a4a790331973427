package actuator

import (
	"context"
	"sync"

	"github.com/gridshift/gridshift/pkg/types"
)

// Mock is an in-memory Controller for tests and -actuator-provider=mock
// runs. It records what was applied and can be told to fail.
type Mock struct {
	mu       sync.Mutex
	applied  []types.Decision
	settings types.Settings
	creds    types.Credentials
	err      error
}

var _ Controller = (*Mock)(nil)

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{}
}

// SetError makes Apply fail with err until cleared.
func (m *Mock) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Applied returns every decision applied so far.
func (m *Mock) Applied() []types.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Decision, len(m.applied))
	copy(out, m.applied)
	return out
}

// Last returns the most recently applied decision.
func (m *Mock) Last() (types.Decision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.applied) == 0 {
		return types.Decision{}, false
	}
	return m.applied[len(m.applied)-1], true
}

// Settings returns the last applied settings.
func (m *Mock) Settings() types.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Apply implements Controller.
func (m *Mock) Apply(ctx context.Context, d types.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.applied = append(m.applied, d)
	return nil
}

// ApplySettings implements Controller.
func (m *Mock) ApplySettings(ctx context.Context, settings types.Settings, creds types.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	m.creds = creds
	return nil
}

// Close implements Controller.
func (m *Mock) Close() {}
