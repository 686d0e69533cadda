package directory

import (
	lru "github.com/hashicorp/golang-lru"
)

// CachedClient is a read-through LRU cache over a Client. Useful when the
// underlying directory lookup is remote or otherwise per-connection
// expensive. Negative results are cached too, so unknown-destination floods
// do not hammer the underlying client; Invalidate must be called when the
// directory changes.
type CachedClient struct {
	underlying Client
	cache      *lru.Cache
}

var _ Client = (*CachedClient)(nil)

type cacheEntry struct {
	workload *Workload
	services []*Service
}

func NewCachedClient(underlying Client, size int) (*CachedClient, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachedClient{underlying: underlying, cache: cache}, nil
}

func (c *CachedClient) FetchWorkloadServices(addr NetworkAddress) (*Workload, []*Service) {
	if v, ok := c.cache.Get(addr); ok {
		entry := v.(cacheEntry)
		return entry.workload, entry.services
	}
	w, svcs := c.underlying.FetchWorkloadServices(addr)
	c.cache.Add(addr, cacheEntry{workload: w, services: svcs})
	return w, svcs
}

func (c *CachedClient) FetchWorkload(addr NetworkAddress) *Workload {
	w, _ := c.FetchWorkloadServices(addr)
	return w
}

// Invalidate drops the cached entry for addr.
func (c *CachedClient) Invalidate(addr NetworkAddress) {
	c.cache.Remove(addr)
}

// Purge drops every cached entry.
func (c *CachedClient) Purge() {
	c.cache.Purge()
}
