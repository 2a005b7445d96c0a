package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapAliasSource struct {
	mu      sync.Mutex
	aliases map[string]AliasTarget
	err     error
	loads   int
}

func (m *mapAliasSource) ListBrandAliases() (map[string]AliasTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]AliasTarget, len(m.aliases))
	for k, v := range m.aliases {
		out[k] = v
	}
	return out, nil
}

func TestAliasCacheLookup(t *testing.T) {
	source := &mapAliasSource{aliases: map[string]AliasTarget{
		"fed": {ToNorm: "federal", ID: "7"},
	}}
	c := NewAliasCache(source)
	require.NoError(t, c.Rebuild())

	resolved, applied, id, found := c.Lookup("fed")
	assert.Equal(t, "federal", resolved)
	assert.True(t, applied)
	assert.Equal(t, "7", id)
	assert.True(t, found)

	resolved, applied, _, found = c.Lookup("winchester")
	assert.Equal(t, "winchester", resolved, "unknown brands pass through unchanged")
	assert.False(t, applied)
	assert.False(t, found)
}

func TestAliasCacheRebuildReplacesMap(t *testing.T) {
	source := &mapAliasSource{aliases: map[string]AliasTarget{
		"fed": {ToNorm: "federal", ID: "7"},
	}}
	c := NewAliasCache(source)
	require.NoError(t, c.Rebuild())

	source.mu.Lock()
	source.aliases = map[string]AliasTarget{"win": {ToNorm: "winchester", ID: "8"}}
	source.mu.Unlock()
	require.NoError(t, c.Rebuild())

	_, _, _, found := c.Lookup("fed")
	assert.False(t, found, "stale entries drop out on rebuild")
	resolved, _, _, found := c.Lookup("win")
	assert.True(t, found)
	assert.Equal(t, "winchester", resolved)
}

func TestAliasCacheRebuildErrorKeepsOldMap(t *testing.T) {
	source := &mapAliasSource{aliases: map[string]AliasTarget{
		"fed": {ToNorm: "federal", ID: "7"},
	}}
	c := NewAliasCache(source)
	require.NoError(t, c.Rebuild())

	source.mu.Lock()
	source.err = fmt.Errorf("connection refused")
	source.mu.Unlock()
	assert.Error(t, c.Rebuild())

	// The last good map keeps serving.
	resolved, _, _, found := c.Lookup("fed")
	assert.True(t, found)
	assert.Equal(t, "federal", resolved)
}

func TestAliasCacheConcurrentLookupAndRebuild(t *testing.T) {
	source := &mapAliasSource{aliases: map[string]AliasTarget{
		"fed": {ToNorm: "federal", ID: "7"},
	}}
	c := NewAliasCache(source)
	require.NoError(t, c.Rebuild())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Lookup("fed")
			}
		}()
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Rebuild()
		}()
	}
	wg.Wait()
}
