package cfapi

import (
	"context"
	"fmt"
)

type dnsRecordBody struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

// FindCNAME pages through CNAME records filtered by name and returns the
// first match.
func (c *Client) FindCNAME(ctx context.Context, zoneID, hostname string) (DNSRecord, bool, error) {
	endpoint := fmt.Sprintf("/zones/%s/dns_records", zoneID)
	for rec, err := range Paginate[DNSRecord](ctx, c, endpoint, map[string]string{
		"type": "CNAME",
		"name": hostname,
	}) {
		if err != nil {
			return DNSRecord{}, false, err
		}
		if rec.Type == "CNAME" && rec.Name == hostname {
			return rec, true, nil
		}
	}
	return DNSRecord{}, false, nil
}

// CreateCNAME creates a proxied CNAME record pointing at target.
func (c *Client) CreateCNAME(ctx context.Context, zoneID, hostname, target string) (DNSRecord, error) {
	endpoint := fmt.Sprintf("/zones/%s/dns_records", zoneID)
	rec, _, err := request[DNSRecord](ctx, c, "POST", endpoint, dnsRecordBody{
		Type: "CNAME", Name: hostname, Content: target, Proxied: true, TTL: 1,
	}, nil)
	return rec, err
}

// UpdateCNAME repoints an existing CNAME record at target.
func (c *Client) UpdateCNAME(ctx context.Context, zoneID, recordID, hostname, target string) (DNSRecord, error) {
	endpoint := fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, recordID)
	rec, _, err := request[DNSRecord](ctx, c, "PUT", endpoint, dnsRecordBody{
		Type: "CNAME", Name: hostname, Content: target, Proxied: true, TTL: 1,
	}, nil)
	return rec, err
}

// DeleteDNSRecord deletes a DNS record by ID.
func (c *Client) DeleteDNSRecord(ctx context.Context, zoneID, recordID string) error {
	endpoint := fmt.Sprintf("/zones/%s/dns_records/%s", zoneID, recordID)
	_, _, err := request[struct{}](ctx, c, "DELETE", endpoint, nil, nil)
	return err
}

// TunnelCNAMETarget is the conventional CNAME target for a tunnel ID.
func TunnelCNAMETarget(tunnelID string) string {
	return tunnelID + ".cfargotunnel.com"
}
