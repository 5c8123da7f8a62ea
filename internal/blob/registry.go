package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type Factory func(ctx context.Context, dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterFactory makes a scheme resolvable by Open. Registered factories
// take precedence over the built-in backends.
func RegisterFactory(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// Open builds a store from a DSN such as memory://, file:///var/lib/relay,
// badger:///var/lib/relay-kv, postgres://user@host/db or s3://bucket/prefix.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty blob store dsn", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	limits, err := limitsFromQuery(parsed.Query())
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(limits), nil
	case "", "file":
		root, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(root, limits)
	case "badger":
		root, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewBadgerStore(root, limits)
	case "postgres", "postgresql":
		return NewPostgresStore(stripLimitParams(parsed), limits)
	case "s3":
		return NewS3Store(ctx, s3OptionsFromURL(parsed), limits)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	p := strings.TrimSpace(parsed.Path)
	if p == "" {
		p = strings.TrimSpace(parsed.Opaque)
	}
	if p == "" {
		p = strings.TrimSpace(parsed.Host)
	}
	if p == "" {
		return "", ErrInvalidInput
	}
	return p, nil
}

func stripLimitParams(parsed *url.URL) string {
	clone := *parsed
	q := clone.Query()
	q.Del("maxAppendBytes")
	q.Del("maxBlocks")
	clone.RawQuery = q.Encode()
	return clone.String()
}
