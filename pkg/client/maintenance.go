package client

import (
	"context"
	"fmt"

	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// TokenRefresher is satisfied by pkg/oauth.Provider's Token method. The
// maintenance sweep polls registered refreshers once per tick, discarding
// the result: Token already performs its own inline expiry/refresh check
// (§4.I) on every call, so polling it here just moves that check from
// "next request" to "next tick" for providers whose servers see bursty
// traffic. Declared as an interface rather than importing pkg/oauth
// directly, so this package's dependency graph stays one-directional.
type TokenRefresher interface {
	Token(ctx context.Context) (string, error)
}

// Maintenance is the handle returned by StartMaintenance; Stop ends the
// background schedule. The zero value is safe to Stop.
type Maintenance struct {
	cron *cron.Cron
}

// Stop ends the maintenance schedule. Safe to call on a nil *Maintenance.
func (m *Maintenance) Stop() {
	if m == nil || m.cron == nil {
		return
	}
	m.cron.Stop()
}

// AddTokenRefreshers registers one or more providers for the maintenance
// sweep to poll. Safe to call before or after StartMaintenance.
func (c *Client) AddTokenRefreshers(refreshers ...TokenRefresher) {
	c.refreshersMu.Lock()
	defer c.refreshersMu.Unlock()
	c.refreshers = append(c.refreshers, refreshers...)
}

// StartMaintenance starts an optional background sweep (spec's "not
// required for correctness" convenience) on the given cron spec — a
// robfig/cron v1 expression whose first field is seconds (seconds, minutes,
// hours, day of month, month, optional day of week) or a "@every 5m"-style
// descriptor; ""
// defaults to every 5 minutes. Each tick prunes disambiguation-cache
// entries belonging to servers no longer registered (e.g. after
// RemoveServer) and proactively polls every registered TokenRefresher.
func (c *Client) StartMaintenance(spec string) (*Maintenance, error) {
	if spec == "" {
		spec = "@every 5m"
	}
	cr := cron.New()
	if err := cr.AddFunc(spec, c.runMaintenanceSweep); err != nil {
		return nil, fmt.Errorf("client: invalid maintenance schedule %q: %w", spec, err)
	}
	cr.Start()
	return &Maintenance{cron: cr}, nil
}

func (c *Client) runMaintenanceSweep() {
	ctx := context.Background()
	c.pruneOrphanedCacheEntries()

	c.refreshersMu.Lock()
	refreshers := append([]TokenRefresher(nil), c.refreshers...)
	c.refreshersMu.Unlock()

	for _, r := range refreshers {
		if _, err := r.Token(ctx); err != nil {
			c.logger.Warn(ctx, "maintenance: token refresh check failed", zap.Error(err))
		}
	}
}

// pruneOrphanedCacheEntries drops cache entries whose server is no longer
// registered. RemoveServer already does this inline; the sweep exists for
// entries that outlive a server removed by some other path.
func (c *Client) pruneOrphanedCacheEntries() {
	c.mu.RLock()
	known := make(map[string]bool, len(c.byName))
	for name := range c.byName {
		known[name] = true
	}
	c.mu.RUnlock()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for k, v := range c.toolCache {
		if !known[v.server] {
			delete(c.toolCache, k)
		}
	}
	for k, v := range c.promptCache {
		if !known[v.server] {
			delete(c.promptCache, k)
		}
	}
	for k, v := range c.resourceCache {
		if !known[v.server] {
			delete(c.resourceCache, k)
		}
	}
}
