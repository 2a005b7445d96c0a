package cache

import (
	"sync"
	"time"
)

const aliasCacheRebuildInterval = 5 * time.Minute

// AliasSource loads the full brand-alias table; db/repository.BrandAliasRepository
// satisfies it.
type AliasSource interface {
	ListBrandAliases() (map[string]AliasTarget, error)
}

// AliasTarget is one brand_aliases row: the canonical spelling a "fromNorm"
// key resolves to, plus the row's ID for evidence attribution.
type AliasTarget struct {
	ToNorm string
	ID     string
}

// AliasCache is an in-memory mirror of the brand_aliases table, rebuilt on
// a timer and invalidated explicitly on writes. It implements
// normalize.AliasLookup so the resolver can hand it straight to
// normalize.NormalizeBrand.
type AliasCache struct {
	mu      sync.RWMutex
	aliases map[string]AliasTarget
	source  AliasSource

	stopOnce sync.Once
	stop     chan struct{}
}

// NewAliasCache creates an AliasCache backed by source. Call Start to begin
// the periodic rebuild loop.
func NewAliasCache(source AliasSource) *AliasCache {
	return &AliasCache{
		aliases: make(map[string]AliasTarget),
		source:  source,
		stop:    make(chan struct{}),
	}
}

// Lookup implements normalize.AliasLookup.
func (c *AliasCache) Lookup(brandNorm string) (resolved string, aliasApplied bool, aliasID string, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	target, ok := c.aliases[brandNorm]
	if !ok {
		return brandNorm, false, "", false
	}
	return target.ToNorm, true, target.ID, true
}

// Rebuild reloads the full alias table from the backing source. Called on
// startup, on the rebuild timer, and from the brand_alias_changed LISTEN
// handler (a targeted single-row refresh isn't worth the complexity the
// alias table stays small enough to reload wholesale).
func (c *AliasCache) Rebuild() error {
	aliases, err := c.source.ListBrandAliases()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.aliases = aliases
	c.mu.Unlock()
	return nil
}

// Start launches the periodic rebuild loop; it returns immediately, the
// loop runs until Stop is called.
func (c *AliasCache) Start() {
	go func() {
		ticker := time.NewTicker(aliasCacheRebuildInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.Rebuild()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop ends the periodic rebuild loop.
func (c *AliasCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}
