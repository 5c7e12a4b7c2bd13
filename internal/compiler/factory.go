package compiler

import (
	"fmt"

	"github.com/photobooks/arservice/internal/config"
)

// NewEngine constructs the engine selected by COMPILER_MODE and wraps it in
// the isolation pool. Both modes share the same execution path.
// Called once at startup.
func NewEngine(cfg config.CompilerConfig, urlFor URLFunc) (*Isolated, error) {
	var engine Engine
	switch cfg.Mode {
	case config.CompilerModeExec:
		if cfg.Command == "" {
			return nil, fmt.Errorf("compiler command is required in exec mode")
		}
		engine = NewExecEngine(cfg.Command, cfg.Args, urlFor)
	case config.CompilerModeDev:
		engine = NewDevEngine(urlFor, 0)
	default:
		return nil, fmt.Errorf("unknown compiler mode %q: must be one of exec, dev", cfg.Mode)
	}
	return NewIsolated(engine, cfg.MaxParallel, cfg.Timeout), nil
}
