package metrics

import "strings"

// Separator joins the components of a metric name.
const Separator = "."

const (
	// DefaultPrefix is used when no prefix is configured.
	DefaultPrefix = "http"

	// DefaultService replaces an empty service name.
	DefaultService = "default"
)

// Metric name categories.
const (
	CategoryHandler           = "handler"
	CategoryThreads           = "threads"
	CategoryConnectionFactory = "connection-factory"
)

// Name concatenates name and names with Separator, skipping empty components.
func Name(name string, names ...string) string {
	parts := make([]string, 0, len(names)+1)
	if name != "" {
		parts = append(parts, name)
	}
	for _, n := range names {
		if n != "" {
			parts = append(parts, n)
		}
	}
	return strings.Join(parts, Separator)
}

// Namer builds names of the form {prefix}.{category}.{service}.{suffix}.
type Namer struct {
	base string
}

// NewNamer returns a Namer for one component. An empty prefix becomes
// DefaultPrefix and an empty service becomes DefaultService.
func NewNamer(prefix, category, service string) Namer {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if service == "" {
		service = DefaultService
	}
	return Namer{base: Name(prefix, category, service)}
}

// Name returns the full metric name for suffix.
func (n Namer) Name(suffix string) string {
	return Name(n.base, suffix)
}

// Base returns the name without a suffix.
func (n Namer) Base() string {
	return n.base
}
