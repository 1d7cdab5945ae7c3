package observability

import "github.com/classwatch/classwatch/internal/logger"

var log = logger.Global().Module("metrics")
