package repository

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/terraconstructs/authbridge/internal/db/models"
)

// CachedUserDirectory keeps recently read users in an LRU keyed by id.
// Reads with Options.Force go to the underlying directory and refresh the entry.
// Cached values are cloned on the way in and out so callers never share maps.
type CachedUserDirectory struct {
	next  UserDirectory
	cache *lru.Cache[string, *models.User]
}

// NewCachedUserDirectory wraps next with an LRU of the given size.
func NewCachedUserDirectory(next UserDirectory, size int) (*CachedUserDirectory, error) {
	cache, err := lru.New[string, *models.User](size)
	if err != nil {
		return nil, fmt.Errorf("create user cache: %w", err)
	}
	return &CachedUserDirectory{next: next, cache: cache}, nil
}

func (c *CachedUserDirectory) remember(user *models.User) *models.User {
	c.cache.Add(user.ID, user.Clone())
	return user
}

// FindByEmail always reads through; emails are not cache keys.
func (c *CachedUserDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := c.next.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return c.remember(user), nil
}

// FindByID serves from cache unless opts.Force is set.
func (c *CachedUserDirectory) FindByID(ctx context.Context, id string, opts Options) (*models.User, error) {
	if !opts.Force {
		if user, ok := c.cache.Get(id); ok {
			return user.Clone(), nil
		}
	}
	user, err := c.next.FindByID(ctx, id, opts)
	if err != nil {
		c.cache.Remove(id)
		return nil, err
	}
	return c.remember(user), nil
}

// FindByIAMID always reads through.
func (c *CachedUserDirectory) FindByIAMID(ctx context.Context, iamID string) (*models.User, error) {
	user, err := c.next.FindByIAMID(ctx, iamID)
	if err != nil {
		return nil, err
	}
	return c.remember(user), nil
}

// Update writes through and replaces the cached entry with the stored record.
func (c *CachedUserDirectory) Update(ctx context.Context, id string, patch UserPatch, opts Options) (*models.User, error) {
	user, err := c.next.Update(ctx, id, patch, opts)
	if err != nil {
		c.cache.Remove(id)
		return nil, err
	}
	return c.remember(user), nil
}

// Insert writes through and caches the new user.
func (c *CachedUserDirectory) Insert(ctx context.Context, user *models.User) (*models.User, error) {
	created, err := c.next.Insert(ctx, user)
	if err != nil {
		return nil, err
	}
	return c.remember(created), nil
}

// Delete writes through and evicts the entry.
func (c *CachedUserDirectory) Delete(ctx context.Context, id string) error {
	c.cache.Remove(id)
	return c.next.Delete(ctx, id)
}

// Purge drops every cached entry.
func (c *CachedUserDirectory) Purge() {
	c.cache.Purge()
}
