package store

import (
	"context"
	"sync"
)

// AuthCache is a write-through in-memory cache over an AccessRepository.
// Reads (the ban checks at accept and login, the whitelist check at login)
// are served from memory;
// mutations hit the backing store first and update the cache only on
// success, so a failed write leaves both sides unchanged.
type AuthCache struct {
	backend AccessRepository

	mu        sync.RWMutex
	bans      map[string]Ban
	bannedIPs map[string]struct{}
	whitelist map[string]struct{}
	operators map[string]struct{}
	wlEnabled bool
}

func NewAuthCache(backend AccessRepository) *AuthCache {
	return &AuthCache{
		backend:   backend,
		bans:      make(map[string]Ban),
		bannedIPs: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		operators: make(map[string]struct{}),
	}
}

// Warm loads the full authorization state from the backing store.
// Must be called once before the cache serves reads.
func (c *AuthCache) Warm(ctx context.Context) error {
	bans, err := c.backend.ListBans(ctx)
	if err != nil {
		return err
	}
	whitelist, err := c.backend.ListWhitelist(ctx)
	if err != nil {
		return err
	}
	operators, err := c.backend.Operators(ctx)
	if err != nil {
		return err
	}
	enabled, err := c.backend.WhitelistEnabled(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bans = make(map[string]Ban, len(bans))
	c.bannedIPs = make(map[string]struct{})
	for _, b := range bans {
		c.bans[b.Username] = b
		if b.IP != "" {
			c.bannedIPs[b.IP] = struct{}{}
		}
	}
	c.whitelist = make(map[string]struct{}, len(whitelist))
	for _, u := range whitelist {
		c.whitelist[u] = struct{}{}
	}
	c.operators = make(map[string]struct{}, len(operators))
	for _, u := range operators {
		c.operators[u] = struct{}{}
	}
	c.wlEnabled = enabled
	return nil
}

func (c *AuthCache) IsBanned(_ context.Context, usernameOrIP string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.bans[usernameOrIP]; ok {
		return true, nil
	}
	_, ok := c.bannedIPs[usernameOrIP]
	return ok, nil
}

func (c *AuthCache) AddBan(ctx context.Context, b Ban) error {
	if err := c.backend.AddBan(ctx, b); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bans[b.Username]; !ok {
		c.bans[b.Username] = b
		if b.IP != "" {
			c.bannedIPs[b.IP] = struct{}{}
		}
	}
	return nil
}

func (c *AuthCache) RemoveBan(ctx context.Context, username string) error {
	if err := c.backend.RemoveBan(ctx, username); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.bans[username]; ok {
		delete(c.bans, username)
		if b.IP != "" {
			delete(c.bannedIPs, b.IP)
		}
	}
	return nil
}

func (c *AuthCache) ListBans(context.Context) ([]Ban, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Ban, 0, len(c.bans))
	for _, b := range c.bans {
		out = append(out, b)
	}
	return out, nil
}

func (c *AuthCache) WhitelistEnabled(context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wlEnabled, nil
}

func (c *AuthCache) SetWhitelistEnabled(ctx context.Context, on bool) error {
	if err := c.backend.SetWhitelistEnabled(ctx, on); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wlEnabled = on
	return nil
}

func (c *AuthCache) AddWhitelist(ctx context.Context, username string) error {
	if err := c.backend.AddWhitelist(ctx, username); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist[username] = struct{}{}
	return nil
}

func (c *AuthCache) RemoveWhitelist(ctx context.Context, username string) error {
	if err := c.backend.RemoveWhitelist(ctx, username); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.whitelist, username)
	return nil
}

func (c *AuthCache) ListWhitelist(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.whitelist), nil
}

// Whitelisted is a cache-only convenience for the login path.
func (c *AuthCache) Whitelisted(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.whitelist[username]
	return ok
}

func (c *AuthCache) Operators(context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.operators), nil
}

func (c *AuthCache) AddOperator(ctx context.Context, username string) error {
	if err := c.backend.AddOperator(ctx, username); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operators[username] = struct{}{}
	return nil
}

func (c *AuthCache) RemoveOperator(ctx context.Context, username string) error {
	if err := c.backend.RemoveOperator(ctx, username); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.operators, username)
	return nil
}

// IsOperator is a cache-only convenience for command dispatch.
func (c *AuthCache) IsOperator(username string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.operators[username]
	return ok
}
