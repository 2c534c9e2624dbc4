package cfapi

import (
	"context"

	"github.com/NickDunas/tuinnel/internal/security"
)

// ListZones lists zones, optionally narrowed by query (e.g. name=<zone>).
func (c *Client) ListZones(ctx context.Context, query map[string]string) ([]Zone, error) {
	zones, _, err := request[[]Zone](ctx, c, "GET", "/zones", nil, query)
	return zones, err
}

// FindZoneByName returns the zone whose name matches exactly, paging as
// needed.
func (c *Client) FindZoneByName(ctx context.Context, name string) (Zone, bool, error) {
	for zone, err := range Paginate[Zone](ctx, c, "/zones", map[string]string{"name": name}) {
		if err != nil {
			return Zone{}, false, err
		}
		if zone.Name == name {
			return zone, true, nil
		}
	}
	return Zone{}, false, nil
}

// AccountID returns the cached account ID, discovering it on first call by
// listing zones with per_page=1 (spec §4.A). Concurrent callers share one
// discovery.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	c.acctMu.Lock()
	defer c.acctMu.Unlock()

	if c.acctSet {
		return c.acctID, nil
	}

	zones, _, err := request[[]Zone](ctx, c, "GET", "/zones", nil, map[string]string{"per_page": "1"})
	if err != nil {
		return "", err
	}
	if len(zones) == 0 {
		return "", security.New(security.Fatal,
			"no Cloudflare zones are visible to this API token",
			"GET /zones?per_page=1 returned zero zones",
			"add at least one zone to this account, or use a token scoped to a zone that has one")
	}
	c.acctID = zones[0].Account.ID
	c.acctSet = true
	return c.acctID, nil
}

// ClearAccountIDCache resets this Client's account-ID cache. Each Client
// caches its account ID on its own; the cache is not shared between Clients
// in one process. Exposed for tests that need a fresh discovery.
func (c *Client) ClearAccountIDCache() {
	c.acctMu.Lock()
	defer c.acctMu.Unlock()
	c.acctID = ""
	c.acctSet = false
}
