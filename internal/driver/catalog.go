package driver

import (
	"sync"
)

// Catalog caches loaded drivers by (id, version) for the process lifetime.
// Definitions are deployed as immutable versioned artifacts, so entries are
// never invalidated at runtime; a new version is a new entry.
type Catalog struct {
	loader *Loader

	mu    sync.RWMutex
	cache map[string]*Driver
}

func NewCatalog(loader *Loader) *Catalog {
	return &Catalog{
		loader: loader,
		cache:  make(map[string]*Driver),
	}
}

// Load returns the driver for (id, version), reading it from disk at most
// once. An empty version resolves to the newest definition and caches under
// both the requested and resolved keys.
func (c *Catalog) Load(id, version string) (*Driver, error) {
	key := id + "@" + version

	c.mu.RLock()
	cached, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	d, err := c.loader.Load(id, version)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = d
	c.cache[d.ID+"@"+d.Version] = d
	c.mu.Unlock()

	return d, nil
}

// List enumerates available definitions without loading them.
func (c *Catalog) List() ([]Ref, error) {
	return c.loader.List()
}
