package cfapi

import (
	"context"
	"fmt"
)

type createTunnelBody struct {
	Name     string `json:"name"`
	ConfigSrc string `json:"config_src"`
}

// CreateTunnel creates a cfd_tunnel. A 409 conflict comes back as a
// recoverable error (security.Recoverable) with a zero-value Tunnel — callers
// should fall back to FindTunnelByName.
func (c *Client) CreateTunnel(ctx context.Context, accountID, name string) (Tunnel, error) {
	endpoint := fmt.Sprintf("/accounts/%s/cfd_tunnel", accountID)
	t, _, err := request[Tunnel](ctx, c, "POST", endpoint, createTunnelBody{Name: name, ConfigSrc: "cloudflare"}, nil)
	return t, err
}

// FindTunnelByName lists non-deleted tunnels filtered by name and returns
// the first match.
func (c *Client) FindTunnelByName(ctx context.Context, accountID, name string) (Tunnel, bool, error) {
	endpoint := fmt.Sprintf("/accounts/%s/cfd_tunnel", accountID)
	tunnels, _, err := request[[]Tunnel](ctx, c, "GET", endpoint, nil, map[string]string{
		"name":       name,
		"is_deleted": "false",
	})
	if err != nil {
		return Tunnel{}, false, err
	}
	for _, t := range tunnels {
		if t.Name == name {
			return t, true, nil
		}
	}
	return Tunnel{}, false, nil
}

// TunnelToken fetches the connector token used to authenticate the
// connector process to this tunnel.
func (c *Client) TunnelToken(ctx context.Context, accountID, tunnelID string) (string, error) {
	endpoint := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/token", accountID, tunnelID)
	tok, _, err := request[TunnelToken](ctx, c, "GET", endpoint, nil, nil)
	return string(tok), err
}

// UpdateIngress submits a new ingress configuration (spec §4.B
// updateIngress): the caller builds IngressRules and is responsible for
// appending the catch-all rule.
func (c *Client) UpdateIngress(ctx context.Context, accountID, tunnelID string, rules []IngressRule) error {
	endpoint := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s/configurations", accountID, tunnelID)
	var body TunnelConfiguration
	body.Config.Ingress = rules
	_, _, err := request[struct{}](ctx, c, "PUT", endpoint, body, nil)
	return err
}

// DeleteTunnel deletes a cfd_tunnel by ID.
func (c *Client) DeleteTunnel(ctx context.Context, accountID, tunnelID string) error {
	endpoint := fmt.Sprintf("/accounts/%s/cfd_tunnel/%s", accountID, tunnelID)
	_, _, err := request[struct{}](ctx, c, "DELETE", endpoint, nil, nil)
	return err
}
