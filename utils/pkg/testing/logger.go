package laketesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/dimlake/utils/pkg/logger"
)

// NewLogger returns a logger for tests. Set DEBUG=1 to see debug output.
func NewLogger() *slog.Logger {
	return logger.NewWithWriter(os.Stderr, os.Getenv("DEBUG") != "")
}
