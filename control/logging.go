// control/logging.go
// Author: momentics <momentics@gmail.com>

package control

import (
	"io"

	"github.com/hashicorp/go-hclog"
)

// NewLogger builds the program logger from the log section.
func NewLogger(name string, cfg LogConfig, out io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     out,
		JSONFormat: cfg.Format == "json",
	})
}
