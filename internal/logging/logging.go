// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a logger for mode, either "production" (JSON, info level)
// or "development" (console, debug level).
func New(mode string) (*zap.Logger, error) {
	switch mode {
	case "", "production":
		return zap.NewProduction()
	case "development":
		return zap.NewDevelopment()
	default:
		return nil, fmt.Errorf("unknown log mode %q", mode)
	}
}
