package graph

import "github.com/lanikai/alohacast/internal/logging"

var log = logging.DefaultLogger.WithTag("graph")
