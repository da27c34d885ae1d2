package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

const envVar = "LOGLEVEL"

type tagLevel struct {
	tag   string
	level Level
}

var (
	tagLevels []tagLevel
	tagMu     sync.RWMutex
)

func init() {
	if err := Configure(os.Getenv(envVar)); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid %s: %v\n", envVar, err)
	}
}

// Configure applies comma-separated "tag=level" directives. A directive without
// "tag=" sets the default level. Loggers derived afterwards with WithTag pick up
// the new levels; the default logger is updated in place.
func Configure(directives string) error {
	var parsed []tagLevel
	level := defaultLevel
	for _, d := range strings.Split(directives, ",") {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		v := strings.SplitN(d, "=", 2)
		l, err := parseLevel(v[len(v)-1])
		if err != nil {
			return errors.Wrapf(err, "directive '%s'", d)
		}
		if len(v) == 1 {
			level = l
		} else {
			parsed = append(parsed, tagLevel{v[0], l})
		}
	}

	tagMu.Lock()
	defaultLevel = level
	tagLevels = append(tagLevels, parsed...)
	tagMu.Unlock()

	DefaultLogger.Level = level
	return nil
}

func determineLevel(tag string, fallback Level) Level {
	tagMu.RLock()
	defer tagMu.RUnlock()
	// Later directives win.
	for i := len(tagLevels) - 1; i >= 0; i-- {
		if tagLevels[i].tag == tag {
			return tagLevels[i].level
		}
	}
	return fallback
}
