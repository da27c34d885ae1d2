package media

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Open a source based on its "source spec". A source spec is a colon-separated string
// consisting of a source tag and a source path:
//    sourceSpec = sourceTag + ":" + sourcePath
// The format of the source path is defined by the registered OpenFunc.
func OpenSource(spec string, opts SourceOptions) (Source, error) {
	log.Debug("Registered source types: %v", SourceTypes())

	// Split the spec string into tag and path
	parts := strings.SplitN(spec, ":", 2)
	var tag, path string
	tag = parts[0]
	if len(parts) == 2 {
		path = parts[1]
	}

	open, found := registry[tag]
	if !found {
		return nil, errors.Wrapf(errNotFound, "source type '%s'", tag)
	}
	src, err := open(path, opts.withDefaults())
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", spec)
	}
	return src, nil
}

// SourceTypes lists the registered source tags in sorted order.
func SourceTypes() []string {
	var tags []string
	for t := range registry {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// A function used to open a specific source type.
type OpenFunc func(path string, opts SourceOptions) (Source, error)

var registry = map[string]OpenFunc{}

// Register a source type, identified by its "source tag". Sources of this type will be
// opened with the given function.
func RegisterSourceType(tag string, open OpenFunc) {
	registry[tag] = open
}
