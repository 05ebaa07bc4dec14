package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudflare/cloudflare-go"
	"github.com/miekg/dns"
)

var cloudflareTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "MX": true, "NS": true, "PTR": true, "TXT": true,
}

// cloudflareNameserver serves zones from Cloudflare DNS. Cloudflare owns the
// apex NS and SOA records and exposes no serial, so the serial is always 0.
type cloudflareNameserver struct {
	api       *cloudflare.API
	accountID string
}

func newCloudflareNameserver(cfg cloudflareConfig) (*cloudflareNameserver, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("CLOUDFLARE_API_TOKEN is required for the cloudflare backend")
	}
	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("create cloudflare client: %w", err)
	}
	return &cloudflareNameserver{api: api, accountID: cfg.AccountID}, nil
}

func (c *cloudflareNameserver) Name() string {
	return "cloudflare"
}

func (c *cloudflareNameserver) Manages(zone, name, rtype string) bool {
	if backendManagedTypes[rtype] {
		return true
	}
	return rtype == "NS" && normalizeName(name) == normalizeName(zone)
}

func (c *cloudflareNameserver) zoneID(ctx context.Context, zone string) (string, error) {
	zones, err := c.api.ListZones(ctx, normalizeHostname(zone))
	if err != nil {
		return "", fmt.Errorf("list zones: %w", err)
	}
	if len(zones) == 0 {
		return "", errZoneNotFound
	}
	return zones[0].ID, nil
}

func (c *cloudflareNameserver) records(ctx context.Context, zoneID string) ([]cloudflare.DNSRecord, error) {
	recs, _, err := c.api.ListDNSRecords(ctx, cloudflare.ZoneIdentifier(zoneID), cloudflare.ListDNSRecordsParams{})
	if err != nil {
		return nil, fmt.Errorf("list dns records: %w", err)
	}
	return recs, nil
}

func (c *cloudflareNameserver) GetZone(ctx context.Context, zone string) (*zoneState, error) {
	id, err := c.zoneID(ctx, zone)
	if err != nil {
		return nil, err
	}
	recs, err := c.records(ctx, id)
	if err != nil {
		return nil, err
	}
	return &zoneState{Name: normalizeName(zone), RRsets: groupCloudflareRecords(recs)}, nil
}

func (c *cloudflareNameserver) CreateZone(ctx context.Context, zone string, rrsets []zoneRRset) error {
	if _, err := c.zoneID(ctx, zone); err == nil {
		return errZoneExists
	} else if !errors.Is(err, errZoneNotFound) {
		return err
	}

	_, err := c.api.CreateZone(ctx, normalizeHostname(zone), false, cloudflare.Account{ID: c.accountID}, "full")
	if err != nil {
		return fmt.Errorf("create zone: %w", err)
	}
	return c.PatchZone(ctx, zone, rrsets)
}

// PatchZone converges each given key: records that are not wanted are
// deleted, missing ones created. A TTL change recreates the key.
func (c *cloudflareNameserver) PatchZone(ctx context.Context, zone string, rrsets []zoneRRset) error {
	id, err := c.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	recs, err := c.records(ctx, id)
	if err != nil {
		return err
	}

	existing := make(map[rrsetKey][]cloudflare.DNSRecord)
	for _, r := range recs {
		k := rrsetKey{Name: normalizeName(r.Name), Type: r.Type}
		existing[k] = append(existing[k], r)
	}

	rc := cloudflare.ZoneIdentifier(id)
	for _, set := range rrsets {
		if len(set.Records) > 0 && !cloudflareTypes[set.Type] {
			return fmt.Errorf("cloudflare backend does not support %s records", set.Type)
		}
		want := make(map[string]bool, len(set.Records))
		for _, content := range set.Records {
			want[content] = true
		}

		have := make(map[string]bool)
		for _, r := range existing[keyOf(set)] {
			content := cloudflareContent(r)
			if want[content] && r.TTL == int(set.TTL) {
				have[content] = true
				continue
			}
			if err := c.api.DeleteDNSRecord(ctx, rc, r.ID); err != nil {
				return fmt.Errorf("delete %s %s: %w", r.Name, r.Type, err)
			}
		}

		for _, content := range set.Records {
			if have[content] {
				continue
			}
			params, err := cloudflareRecordParams(set, content)
			if err != nil {
				return err
			}
			if _, err := c.api.CreateDNSRecord(ctx, rc, params); err != nil {
				return fmt.Errorf("create %s %s: %w", set.Name, set.Type, err)
			}
		}
	}
	return nil
}

func (c *cloudflareNameserver) DeleteZone(ctx context.Context, zone string) error {
	id, err := c.zoneID(ctx, zone)
	if errors.Is(err, errZoneNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := c.api.DeleteZone(ctx, id); err != nil {
		return fmt.Errorf("delete zone: %w", err)
	}
	return nil
}

func groupCloudflareRecords(recs []cloudflare.DNSRecord) []zoneRRset {
	index := make(map[rrsetKey]*zoneRRset)
	var order []rrsetKey
	for _, r := range recs {
		k := rrsetKey{Name: normalizeName(r.Name), Type: r.Type}
		set, ok := index[k]
		if !ok {
			set = &zoneRRset{Name: k.Name, Type: k.Type, TTL: uint32(r.TTL)}
			index[k] = set
			order = append(order, k)
		}
		set.Records = append(set.Records, cloudflareContent(r))
	}

	out := make([]zoneRRset, 0, len(order))
	for _, k := range order {
		set := index[k]
		set.Records = sortedCopy(set.Records)
		out = append(out, *set)
	}
	sortZoneRRsets(out)
	return out
}

// cloudflareContent returns the record data in the presentation form used
// for stored records.
func cloudflareContent(r cloudflare.DNSRecord) string {
	content := r.Content
	switch r.Type {
	case "MX":
		prio := uint16(0)
		if r.Priority != nil {
			prio = *r.Priority
		}
		content = fmt.Sprintf("%d %s", prio, dns.Fqdn(content))
	case "CNAME", "NS", "PTR":
		content = dns.Fqdn(content)
	case "TXT":
		if !strings.HasPrefix(content, `"`) {
			content = strconv.Quote(content)
		}
	}
	if c, err := canonicalRecord(r.Type, content); err == nil {
		return c
	}
	return content
}

func cloudflareRecordParams(set zoneRRset, content string) (cloudflare.CreateDNSRecordParams, error) {
	params := cloudflare.CreateDNSRecordParams{
		Type: set.Type,
		Name: normalizeHostname(set.Name),
		TTL:  int(set.TTL),
	}

	rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s", normalizeName(set.Name), set.TTL, set.Type, content))
	if err != nil || rr == nil {
		return params, fmt.Errorf("parse %s record %q: %w", set.Type, content, err)
	}
	switch v := rr.(type) {
	case *dns.MX:
		prio := v.Preference
		params.Priority = &prio
		params.Content = strings.TrimSuffix(v.Mx, ".")
	case *dns.CNAME:
		params.Content = strings.TrimSuffix(v.Target, ".")
	case *dns.NS:
		params.Content = strings.TrimSuffix(v.Ns, ".")
	case *dns.PTR:
		params.Content = strings.TrimSuffix(v.Ptr, ".")
	case *dns.TXT:
		params.Content = strings.Join(v.Txt, "")
	default:
		params.Content = rdata(rr)
	}
	return params, nil
}
