package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type writeMode int

const (
	// writeCreate only inserts; an existing key is a concurrency conflict.
	writeCreate writeMode = iota
	// writeUpsert replaces existing keys and creates missing ones.
	writeUpsert
)

// normalizeSubname lowercases subname and maps "@" to the apex.
func normalizeSubname(subname string) string {
	subname = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(subname)), ".")
	if subname == "@" {
		return ""
	}
	return subname
}

// userManaged reports whether m may be written through the RRset API.
func userManaged(m rrsetModel) bool {
	return !restrictedTypes[m.Type] && !(m.Type == "NS" && m.Subname == "")
}

// rrsetFromRequest validates one RRset write against dom. A partial write
// takes missing fields from base.
func (s *server) rrsetFromRequest(dom domainModel, req rrsetRequest, base *rrsetModel) (rrset, error) {
	var out rrset
	switch {
	case req.Subname != nil:
		out.Subname = normalizeSubname(*req.Subname)
	case base != nil:
		out.Subname = base.Subname
	default:
		return rrset{}, invalidf("subname", "this field is required")
	}

	out.Type = normalizeRecordType(req.Type)
	if out.Type == "" && base != nil {
		out.Type = base.Type
	}
	if out.Type == "" {
		return rrset{}, invalidf("type", "this field is required")
	}
	if err := validateSubname(out.Subname, dom.Name); err != nil {
		return rrset{}, err
	}
	if err := checkType(out.Type, out.Subname); err != nil {
		return rrset{}, err
	}

	var contents []string
	switch {
	case req.Records != nil:
		contents = *req.Records
	case base != nil:
		for _, r := range base.Records {
			contents = append(contents, r.Content)
		}
	default:
		return rrset{}, invalidf("records", "this field is required")
	}
	records, err := canonicalRecords(out.Type, contents)
	if err != nil {
		return rrset{}, err
	}
	out.Records = records
	if len(records) == 0 {
		return out, nil
	}

	switch {
	case req.TTL != nil:
		out.TTL = *req.TTL
	case base != nil:
		out.TTL = base.TTL
	default:
		return rrset{}, invalidf("ttl", "this field is required")
	}
	if out.TTL < dom.MinimumTTL {
		return rrset{}, invalidf("ttl", "must be at least %d", dom.MinimumTTL)
	}
	if out.TTL > maxTTL {
		return rrset{}, invalidf("ttl", "must be at most %d", maxTTL)
	}
	return out, nil
}

// batchKind says how a batch of writes relates to the RRsets already stored.
type batchKind int

const (
	// batchCreate only adds RRsets; a key that is already stored is invalid.
	batchCreate batchKind = iota
	// batchMerge writes the listed keys and keeps the others.
	batchMerge
	// batchReplace is the complete new set of user-managed RRsets.
	batchReplace
)

// checkRRsets validates a batch of writes against each other and the
// stored state of dom.
func (s *server) checkRRsets(ctx context.Context, dom domainModel, sets []rrset, kind batchKind) error {
	seen := make(map[rrsetKey]bool, len(sets))
	for _, set := range sets {
		k := rrsetKey{Name: set.Subname, Type: set.Type}
		if seen[k] {
			return invalidf("rrsets", "duplicate entry for subname %q type %s", set.Subname, set.Type)
		}
		seen[k] = true
	}

	stored, err := s.persist.listRRsets(ctx, dom.ID)
	if err != nil {
		return err
	}
	if kind == batchCreate {
		for _, m := range stored {
			if seen[rrsetKey{Name: m.Subname, Type: m.Type}] {
				return invalidf("rrsets", "RRset with subname %q and type %s already exists", m.Subname, m.Type)
			}
		}
	}
	types := make(map[string]map[string]bool)
	mark := func(subname, rtype string, present bool) {
		if types[subname] == nil {
			types[subname] = make(map[string]bool)
		}
		if present {
			types[subname][rtype] = true
		} else {
			delete(types[subname], rtype)
		}
	}
	for _, m := range stored {
		if kind == batchReplace && userManaged(m) {
			continue
		}
		mark(m.Subname, m.Type, len(m.Records) > 0)
	}
	for _, set := range sets {
		mark(set.Subname, set.Type, len(set.Records) > 0)
	}
	for subname, ts := range types {
		if ts["CNAME"] && len(ts) > 1 {
			return invalidf("records", "CNAME at %q cannot coexist with other records", fqdnFor(subname, dom.Name))
		}
	}

	if _, local := s.cfg.localParent(dom.Name); !local {
		return nil
	}
	for _, set := range sets {
		if set.Type != "A" && set.Type != "AAAA" {
			continue
		}
		for _, content := range set.Records {
			ip := net.ParseIP(content)
			if ip == nil {
				continue
			}
			blocked, ok, err := s.persist.blockedSubnetFor(ctx, ip)
			if err != nil {
				return err
			}
			if ok {
				return invalidf("records", "IP address %s not allowed (blocked subnet %s, AS%d)", content, blocked.Subnet, blocked.ASN)
			}
		}
	}
	return nil
}

// withDeletions appends deletions for every stored user-managed RRset the
// batch does not mention.
func withDeletions(stored []rrsetModel, sets []rrset) []rrset {
	listed := make(map[rrsetKey]bool, len(sets))
	for _, set := range sets {
		listed[rrsetKey{Name: set.Subname, Type: set.Type}] = true
	}
	out := append([]rrset(nil), sets...)
	for _, m := range stored {
		if !userManaged(m) || listed[rrsetKey{Name: m.Subname, Type: m.Type}] {
			continue
		}
		out = append(out, rrset{Subname: m.Subname, Type: m.Type})
	}
	return out
}

// applyRRsets writes sets into dom and marks it dirty. It must run inside a
// change tracking scope. It returns the RRsets that exist afterwards.
func applyRRsets(ctx context.Context, store *persistence, dom domainModel, sets []rrset, mode writeMode) ([]rrsetModel, error) {
	if trackerFrom(ctx) == nil {
		return nil, fmt.Errorf("%w: rrset write for %s outside a change tracking scope", errContractViolation, dom.Name)
	}

	now := time.Now().UTC()
	out := make([]rrsetModel, 0, len(sets))
	for _, set := range sets {
		if mode == writeCreate {
			if len(set.Records) == 0 {
				return nil, invalidf("records", "must not be empty when creating %s/%s", set.Subname, set.Type)
			}
			m, err := store.createRRset(ctx, dom.ID, set, now)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
			continue
		}

		cur, err := store.getRRset(ctx, dom.ID, set.Subname, set.Type)
		switch {
		case errors.Is(err, errNotFound):
			if len(set.Records) == 0 {
				continue
			}
			m, err := store.createRRset(ctx, dom.ID, set, now)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		case err != nil:
			return nil, err
		case len(set.Records) == 0:
			if err := store.deleteRRset(ctx, cur.ID); err != nil {
				return nil, err
			}
		default:
			m, err := store.replaceRRset(ctx, cur, set.TTL, set.Records, now)
			if err != nil {
				return nil, err
			}
			out = append(out, m)
		}
	}

	if err := store.touchDomain(ctx, dom.ID, now); err != nil {
		return nil, err
	}
	if err := markDirty(ctx, dom.Name); err != nil {
		return nil, err
	}
	return out, nil
}

func newRRsetView(dom domainModel, m rrsetModel) rrsetView {
	records := make([]string, 0, len(m.Records))
	for _, r := range m.Records {
		records = append(records, r.Content)
	}
	return rrsetView{
		Domain:  dom.Name,
		Subname: m.Subname,
		Name:    fqdnFor(m.Subname, dom.Name),
		Type:    m.Type,
		TTL:     m.TTL,
		Records: sortedCopy(records),
		Created: m.CreatedAt,
		Touched: m.TouchedAt,
	}
}
