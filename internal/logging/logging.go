// Package logging hands out category-scoped zap loggers. Before Init runs,
// every category resolves to a no-op logger, so packages may log
// unconditionally and tests never have to configure logging.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

// Category names a subsystem. Closed set; child loggers are Named after it.
type Category string

const (
	CategoryBoot       Category = "boot"
	CategoryStore      Category = "store"
	CategoryScheduler  Category = "scheduler"
	CategoryWorker     Category = "worker"
	CategoryDriver     Category = "driver"
	CategoryHomr       Category = "homr"
	CategorySupervisor Category = "supervisor"
	CategoryConverge   Category = "converge"
	CategoryJobs       Category = "jobs"
	CategoryDispatch   Category = "dispatch"
	CategoryServer     Category = "server"
	CategoryAgent      Category = "agent"
	CategorySkills     Category = "skills"
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init installs the process root logger. Call once from main after the CLI
// has decided verbosity.
func Init(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mu.Lock()
	root = logger
	mu.Unlock()
}

// Root returns the current root logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Get returns the child logger for a category.
func Get(c Category) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(c))
}

// Sync flushes buffered log entries. Errors are ignored; stderr sinks
// commonly report EINVAL on sync.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
