package callcore

import (
	"github.com/edaniels/golog"
)

// Logger is used various parts of the package for informational/debugging purposes.
var Logger = golog.Global()

// Debug is helpful to turn on when the library isn't working quite right.
// When set, pion's internal logs are routed through the package loggers.
var Debug = false
