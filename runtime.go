package luabridge

import (
	"sync"

	"github.com/dshills/luabridge/engine"
)

// process holds the once-per-process runtime state shared by every backend
// instance.
var process struct {
	mu          sync.Mutex
	initialized bool
	prevTuning  engine.Tuning
}

// InitOption configures process-wide initialization.
type InitOption func(*initConfig)

type initConfig struct {
	tuning engine.Tuning
}

// WithRegistrySize sets the Lua registry size for engines created after
// Initialize.
func WithRegistrySize(n int) InitOption {
	return func(c *initConfig) {
		if n > 0 {
			c.tuning.RegistrySize = n
		}
	}
}

// WithCallStackSize sets the Lua call stack size for engines created after
// Initialize.
func WithCallStackSize(n int) InitOption {
	return func(c *initConfig) {
		if n > 0 {
			c.tuning.CallStackSize = n
		}
	}
}

// Initialize applies process-wide engine configuration. It is idempotent:
// only the first call has any effect, regardless of how many backend
// instances exist. Call before creating engines.
func Initialize(opts ...InitOption) {
	process.mu.Lock()
	defer process.mu.Unlock()
	if process.initialized {
		return
	}

	cfg := initConfig{
		tuning: engine.Tuning{
			RegistrySize:  engine.DefaultRegistrySize,
			CallStackSize: engine.DefaultCallStackSize,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	process.prevTuning = engine.SetTuning(cfg.tuning)
	process.initialized = true
}

// Shutdown reverses Initialize, restoring the previous engine configuration.
// Idempotent; a no-op if Initialize was never called. After Shutdown the
// process may be initialized again.
func Shutdown() {
	process.mu.Lock()
	defer process.mu.Unlock()
	if !process.initialized {
		return
	}
	engine.SetTuning(process.prevTuning)
	process.initialized = false
}
