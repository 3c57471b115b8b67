// Package shutdown coordinates phased graceful shutdown of the
// control plane. Components register with a phase; lower phases stop
// first, handlers within a phase stop concurrently. The daemon uses
// the phases below so the router stops accepting work before the
// transports and bus underneath it go away.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/errors"
)

// Conventional phases, lowest stops first.
const (
	// PhaseIngress stops intake: the router and any API surface.
	PhaseIngress = 10

	// PhaseDetection stops the failure sweep and heartbeat publishers.
	PhaseDetection = 20

	// PhaseTransport drains deliverers and listeners.
	PhaseTransport = 30

	// PhaseStorage closes the audit store.
	PhaseStorage = 40

	// PhaseBus disconnects the message bus last.
	PhaseBus = 50
)

// Lifecycle errors.
var (
	ErrAlreadyShutdown = errors.New(errors.ErrCodeClosed, "shutdown already initiated")
	ErrTimeout         = errors.New(errors.ErrCodeTimeout, "shutdown timeout exceeded")
	ErrHandlerFailed   = errors.New(errors.ErrCodeInternal, "one or more shutdown handlers failed")
)

// Handler stops one component. The context is cancelled when the
// shutdown budget runs out; handlers should stop intake, drain what
// they can, and release resources.
type Handler func(ctx context.Context) error

type registration struct {
	name    string
	phase   int
	handler Handler
}

// Config configures the coordinator.
type Config struct {
	// Timeout is the total shutdown budget. Default: 30s.
	Timeout time.Duration

	// Logger for per-handler progress. Default: zap.NewNop().
	Logger *zap.Logger
}

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	done    chan struct{}
	err     error
	signals chan os.Signal
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		log:     cfg.Logger.Named("shutdown"),
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
	c.mu.Unlock()
}

// Shutdown runs all handlers. Safe to call more than once; later calls
// wait for the first and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs Shutdown under the configured budget.
func (c *Coordinator) ShutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGINT/SIGTERM.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-c.signals
		c.log.Info("signal received", zap.String("signal", sig.String()))
		c.ShutdownWithTimeout()
	}()
}

// Trigger requests shutdown as if a signal had arrived.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, valid once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	var failed bool
	for _, group := range groupByPhase(handlers) {
		select {
		case <-ctx.Done():
			c.log.Error("shutdown budget exhausted",
				zap.Duration("elapsed", time.Since(start)))
			return ErrTimeout
		default:
		}
		if c.runPhase(ctx, group) {
			failed = true
		}
	}

	c.log.Info("shutdown complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("handlers", len(handlers)))
	if failed {
		return ErrHandlerFailed
	}
	return nil
}

// runPhase stops every handler in one phase concurrently. Returns true
// if any handler failed; shutdown continues regardless so components
// below a broken one still get their chance to stop.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) bool {
	var wg sync.WaitGroup
	fails := make([]bool, len(group))

	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler(ctx)
			if err != nil {
				fails[idx] = true
				c.log.Warn("handler failed",
					zap.String("component", r.name),
					zap.Int("phase", r.phase),
					zap.Error(err))
				return
			}
			c.log.Debug("component stopped",
				zap.String("component", r.name),
				zap.Int("phase", r.phase),
				zap.Duration("took", time.Since(start)))
		}(i, reg)
	}
	wg.Wait()

	for _, f := range fails {
		if f {
			return true
		}
	}
	return false
}

func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	var current []registration
	for _, h := range handlers {
		if len(current) > 0 && current[0].phase != h.phase {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, h)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
