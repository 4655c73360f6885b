package directory

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"pcpline/internal/domain"
)

// Cache is a read-through LRU in front of a Store. Misses are not cached.
type Cache struct {
	store         Store
	collaborators *lru.Cache[string, domain.Collaborator]
	sectors       *lru.Cache[string, domain.Sector]
}

func NewCache(store Store, size int) (*Cache, error) {
	if size <= 0 {
		size = 512
	}
	collaborators, err := lru.New[string, domain.Collaborator](size)
	if err != nil {
		return nil, err
	}
	sectors, err := lru.New[string, domain.Sector](size)
	if err != nil {
		return nil, err
	}
	return &Cache{store: store, collaborators: collaborators, sectors: sectors}, nil
}

func (c *Cache) ResolveCollaborator(ctx context.Context, id string) (domain.Collaborator, error) {
	if v, ok := c.collaborators.Get(id); ok {
		return v, nil
	}
	v, err := c.store.ResolveCollaborator(ctx, id)
	if err != nil {
		return v, err
	}
	c.collaborators.Add(id, v)
	return v, nil
}

func (c *Cache) ResolveSector(ctx context.Context, id string) (domain.Sector, error) {
	if v, ok := c.sectors.Get(id); ok {
		return v, nil
	}
	v, err := c.store.ResolveSector(ctx, id)
	if err != nil {
		return v, err
	}
	c.sectors.Add(id, v)
	return v, nil
}

func (c *Cache) Exists(ctx context.Context, workOrderID string) (bool, error) {
	return c.store.Exists(ctx, workOrderID)
}

func (c *Cache) Summary(ctx context.Context, workOrderID string) (domain.WorkOrderSummary, error) {
	return c.store.Summary(ctx, workOrderID)
}

// Invalidate drops any cached collaborator or sector with this id.
func (c *Cache) Invalidate(id string) {
	c.collaborators.Remove(id)
	c.sectors.Remove(id)
}

func (c *Cache) Purge() {
	c.collaborators.Purge()
	c.sectors.Purge()
}

func (c *Cache) Len() int {
	return c.collaborators.Len() + c.sectors.Len()
}

// Import writes through to the store and purges the cache.
func (c *Cache) Import(ctx context.Context, f File) (ImportResult, error) {
	res, err := c.store.Import(ctx, f)
	c.Purge()
	return res, err
}
