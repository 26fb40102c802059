// Package lifecycle orchestrates phased graceful shutdown: the ops surface
// stops first, then message intake, then background workers, then store and
// transport connections.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase orders shutdown. Lower phases run first.
type Phase int

const (
	// PhaseHTTP drains the ops HTTP surface.
	PhaseHTTP Phase = iota
	// PhaseIntake stops accepting new messages (bus, inbox, queue consumers).
	PhaseIntake
	// PhaseWorkers stops the dispatcher, the saga watcher and cleanup loops.
	PhaseWorkers
	// PhaseConnections closes store and transport connections.
	PhaseConnections
	// PhaseFinal performs any remaining cleanup.
	PhaseFinal
)

// Hook is one shutdown step.
type Hook struct {
	Name     string
	Phase    Phase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager collects hooks and runs them phase by phase; hooks inside a phase
// run in parallel.
type Manager struct {
	mu      sync.Mutex
	hooks   []Hook
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

// NewManager creates a manager with a 30 second overall budget.
func NewManager() *Manager {
	return &Manager{
		timeout: 30 * time.Second,
		done:    make(chan struct{}),
	}
}

// SetTimeout overrides the overall shutdown budget.
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// Register adds a shutdown hook. A zero per-hook timeout defaults to 10s.
func (m *Manager) Register(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterFunc adds a hook from its parts.
func (m *Manager) RegisterFunc(name string, phase Phase, shutdown func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: phase, Shutdown: shutdown})
}

// WaitForSignal blocks until SIGINT, SIGTERM or a programmatic Shutdown.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-m.done:
		log.Info().Msg("Shutdown triggered programmatically")
	}
}

// Shutdown triggers the shutdown sequence without a signal.
func (m *Manager) Shutdown() {
	m.once.Do(func() {
		close(m.done)
	})
}

// Execute runs all hooks in phase order.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.timeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[Phase][]Hook)
	for _, hook := range hooks {
		byPhase[hook.Phase] = append(byPhase[hook.Phase], hook)
	}

	for _, phase := range []Phase{PhaseHTTP, PhaseIntake, PhaseWorkers, PhaseConnections, PhaseFinal} {
		if len(byPhase[phase]) == 0 {
			continue
		}
		log.Info().Int("phase", int(phase)).Int("hooks", len(byPhase[phase])).Msg("Executing shutdown phase")

		var wg sync.WaitGroup
		for _, hook := range byPhase[phase] {
			wg.Add(1)
			go func(h Hook) {
				defer wg.Done()
				m.runHook(ctx, h)
			}(hook)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("Shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("Graceful shutdown completed")
	return nil
}

func (m *Manager) runHook(parentCtx context.Context, hook Hook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- hook.Shutdown(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("Shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("Shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("Shutdown hook timed out")
	}
}

// Run waits for a signal and then executes the shutdown sequence.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
