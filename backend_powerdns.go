package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type pdnsZone struct {
	ID          string      `json:"id,omitempty"`
	Name        string      `json:"name"`
	Kind        string      `json:"kind,omitempty"`
	Serial      uint32      `json:"serial,omitempty"`
	Nameservers []string    `json:"nameservers"`
	RRsets      []pdnsRRset `json:"rrsets"`
}

type pdnsRRset struct {
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	TTL        uint32       `json:"ttl,omitempty"`
	ChangeType string       `json:"changetype,omitempty"`
	Records    []pdnsRecord `json:"records"`
}

type pdnsRecord struct {
	Content  string `json:"content"`
	Disabled bool   `json:"disabled"`
}

type pdnsPatch struct {
	RRsets []pdnsRRset `json:"rrsets"`
}

type pdnsCryptokey struct {
	Active bool     `json:"active"`
	DS     []string `json:"ds"`
}

// pdnsAPIError is a non-2xx answer from the PowerDNS API.
type pdnsAPIError struct {
	Status int
	Msg    string
}

func (e *pdnsAPIError) Error() string {
	return fmt.Sprintf("PowerDNS API error: %d - %s", e.Status, e.Msg)
}

func (e *pdnsAPIError) zoneMissing() bool {
	return e.Status == http.StatusNotFound ||
		(e.Status == http.StatusUnprocessableEntity && strings.Contains(e.Msg, "Could not find domain"))
}

// powerDNS talks to the PowerDNS authoritative server HTTP API.
type powerDNS struct {
	cfg    powerDNSConfig
	client *http.Client
}

func newPowerDNS(cfg powerDNSConfig, client *http.Client) (*powerDNS, error) {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return nil, errors.New("PDNS_API_URL is required for the powerdns backend")
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "localhost"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &powerDNS{cfg: cfg, client: client}, nil
}

func (p *powerDNS) Name() string {
	return "powerdns"
}

func (p *powerDNS) Manages(_, _, rtype string) bool {
	return backendManagedTypes[rtype]
}

func (p *powerDNS) apiURL(format string, args ...any) string {
	base := strings.TrimRight(p.cfg.APIURL, "/")
	for i, a := range args {
		if s, ok := a.(string); ok {
			args[i] = url.PathEscape(s)
		}
	}
	return base + fmt.Sprintf(format, args...)
}

func (p *powerDNS) zoneURL(zone string, suffix string) string {
	return p.apiURL("/servers/%s/zones/%s", p.cfg.ServerID, normalizeName(zone)) + suffix
}

func (p *powerDNS) do(ctx context.Context, method, target string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", p.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := strings.TrimSpace(string(b))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &pdnsAPIError{Status: resp.StatusCode, Msg: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (p *powerDNS) GetZone(ctx context.Context, zone string) (*zoneState, error) {
	var z pdnsZone
	if err := p.do(ctx, http.MethodGet, p.zoneURL(zone, ""), nil, &z); err != nil {
		var apiErr *pdnsAPIError
		if errors.As(err, &apiErr) && apiErr.zoneMissing() {
			return nil, errZoneNotFound
		}
		return nil, err
	}

	out := &zoneState{Name: normalizeName(z.Name), Serial: z.Serial}
	for _, set := range z.RRsets {
		zs := zoneRRset{Name: normalizeName(set.Name), Type: set.Type, TTL: set.TTL}
		for _, r := range set.Records {
			if r.Disabled {
				continue
			}
			content := r.Content
			if c, err := canonicalRecord(set.Type, content); err == nil {
				content = c
			}
			zs.Records = append(zs.Records, content)
		}
		if len(zs.Records) > 0 {
			zs.Records = sortedCopy(zs.Records)
			out.RRsets = append(out.RRsets, zs)
		}
	}
	sortZoneRRsets(out.RRsets)
	return out, nil
}

func (p *powerDNS) CreateZone(ctx context.Context, zone string, rrsets []zoneRRset) error {
	body := pdnsZone{
		Name:        normalizeName(zone),
		Kind:        "Native",
		Nameservers: []string{},
		RRsets:      make([]pdnsRRset, 0, len(rrsets)),
	}
	for _, set := range rrsets {
		if len(set.Records) == 0 {
			continue
		}
		body.RRsets = append(body.RRsets, toPDNSRRset(set, ""))
	}

	err := p.do(ctx, http.MethodPost, p.apiURL("/servers/%s/zones", p.cfg.ServerID), body, nil)
	var apiErr *pdnsAPIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return errZoneExists
	}
	if err != nil {
		return err
	}
	return p.notify(ctx, zone)
}

func (p *powerDNS) PatchZone(ctx context.Context, zone string, rrsets []zoneRRset) error {
	body := pdnsPatch{RRsets: make([]pdnsRRset, 0, len(rrsets))}
	for _, set := range rrsets {
		if len(set.Records) == 0 {
			body.RRsets = append(body.RRsets, toPDNSRRset(set, "DELETE"))
			continue
		}
		body.RRsets = append(body.RRsets, toPDNSRRset(set, "REPLACE"))
	}

	if err := p.do(ctx, http.MethodPatch, p.zoneURL(zone, ""), body, nil); err != nil {
		var apiErr *pdnsAPIError
		if errors.As(err, &apiErr) && apiErr.zoneMissing() {
			return errZoneNotFound
		}
		return err
	}
	return p.notify(ctx, zone)
}

func (p *powerDNS) DeleteZone(ctx context.Context, zone string) error {
	err := p.do(ctx, http.MethodDelete, p.zoneURL(zone, ""), nil, nil)
	var apiErr *pdnsAPIError
	if errors.As(err, &apiErr) && apiErr.zoneMissing() {
		return nil
	}
	return err
}

// DS returns the DS records of the zone's active keys.
func (p *powerDNS) DS(ctx context.Context, zone string) ([]string, error) {
	var keys []pdnsCryptokey
	if err := p.do(ctx, http.MethodGet, p.zoneURL(zone, "/cryptokeys"), nil, &keys); err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if k.Active {
			out = append(out, k.DS...)
		}
	}
	return out, nil
}

func (p *powerDNS) notify(ctx context.Context, zone string) error {
	if !p.cfg.Notify {
		return nil
	}
	if err := p.do(ctx, http.MethodPut, p.zoneURL(zone, "/notify"), nil, nil); err != nil {
		return fmt.Errorf("notify secondaries: %w", err)
	}
	return nil
}

func toPDNSRRset(set zoneRRset, changeType string) pdnsRRset {
	out := pdnsRRset{
		Name:       normalizeName(set.Name),
		Type:       set.Type,
		ChangeType: changeType,
		Records:    make([]pdnsRecord, 0, len(set.Records)),
	}
	if changeType != "DELETE" {
		out.TTL = set.TTL
	}
	for _, c := range set.Records {
		out.Records = append(out.Records, pdnsRecord{Content: c})
	}
	return out
}
