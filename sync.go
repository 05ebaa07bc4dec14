package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// nameserver is the authoritative DNS backend zones are pushed to.
type nameserver interface {
	Name() string
	// GetZone returns errZoneNotFound for zones the backend does not serve.
	GetZone(ctx context.Context, zone string) (*zoneState, error)
	// CreateZone returns errZoneExists when the zone is already served.
	CreateZone(ctx context.Context, zone string, rrsets []zoneRRset) error
	// PatchZone replaces every given key wholesale; an empty record list
	// removes the key.
	PatchZone(ctx context.Context, zone string, rrsets []zoneRRset) error
	// DeleteZone succeeds for zones that are already gone.
	DeleteZone(ctx context.Context, zone string) error
	// Manages reports keys the backend maintains on its own.
	Manages(zone, name, rtype string) bool
}

// dsPublisher is implemented by backends that sign zones.
type dsPublisher interface {
	DS(ctx context.Context, zone string) ([]string, error)
}

type rrsetKey struct {
	Name string
	Type string
}

// zoneSyncer pushes the stored state of a domain to the nameserver.
type zoneSyncer struct {
	backend nameserver
	store   *persistence
	timeout time.Duration
	now     func() time.Time
}

func newZoneSyncer(backend nameserver, store *persistence, timeout time.Duration) *zoneSyncer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &zoneSyncer{
		backend: backend,
		store:   store,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sync makes the nameserver serve exactly the stored RRsets of domain. It is
// safe to repeat: when nothing differs no write is sent and the serial stays.
// A domain missing from the store has its zone deleted.
func (z *zoneSyncer) Sync(ctx context.Context, domain string) (err error) {
	domain = normalizeHostname(domain)
	ctx, done := withSyncSpan(ctx, domain)
	defer func() { done(err) }()

	dom, err := z.store.domainByName(ctx, domain)
	if errors.Is(err, errNotFound) {
		return z.deleteZone(ctx, domain)
	}
	if err != nil {
		return fmt.Errorf("load domain: %w", err)
	}

	sets, err := z.store.listRRsets(ctx, dom.ID)
	if err != nil {
		return err
	}
	desired := desiredZone(dom.Name, sets)

	bctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()

	result, serial, err := z.reconcile(bctx, normalizeName(dom.Name), desired)
	if err != nil {
		zoneSyncTotal.WithLabelValues(z.backend.Name(), "failed").Inc()
		return fmt.Errorf("sync %s: %w", domain, err)
	}
	zoneSyncTotal.WithLabelValues(z.backend.Name(), result).Inc()
	loggerFrom(ctx).Debug("zone reconciled", "result", result, "serial", serial)

	return z.store.markPublished(ctx, dom.ID, serial, z.now())
}

func (z *zoneSyncer) reconcile(ctx context.Context, zone string, desired []zoneRRset) (string, uint32, error) {
	current, err := z.backend.GetZone(ctx, zone)
	if errors.Is(err, errZoneNotFound) {
		err = z.backend.CreateZone(ctx, zone, z.visible(zone, desired))
		switch {
		case err == nil:
			created, err := z.backend.GetZone(ctx, zone)
			if err != nil {
				return "", 0, fmt.Errorf("read created zone: %w", err)
			}
			return "created", created.Serial, nil
		case errors.Is(err, errZoneExists):
			// Created concurrently; fall back to a patch against what is there now.
			current, err = z.backend.GetZone(ctx, zone)
		default:
			return "", 0, fmt.Errorf("create zone: %w", err)
		}
	}
	if err != nil {
		return "", 0, fmt.Errorf("get zone: %w", err)
	}

	patch := z.zonePatch(zone, current.RRsets, desired)
	if patch == nil {
		return "noop", current.Serial, nil
	}
	if err := z.backend.PatchZone(ctx, zone, patch); err != nil {
		return "", 0, fmt.Errorf("patch zone: %w", err)
	}
	patched, err := z.backend.GetZone(ctx, zone)
	if err != nil {
		return "", 0, fmt.Errorf("read patched zone: %w", err)
	}
	return "patched", patched.Serial, nil
}

func (z *zoneSyncer) deleteZone(ctx context.Context, domain string) error {
	ctx, cancel := context.WithTimeout(ctx, z.timeout)
	defer cancel()

	if err := z.backend.DeleteZone(ctx, normalizeName(domain)); err != nil {
		zoneSyncTotal.WithLabelValues(z.backend.Name(), "failed").Inc()
		return fmt.Errorf("delete zone %s: %w", domain, err)
	}
	zoneSyncTotal.WithLabelValues(z.backend.Name(), "deleted").Inc()
	return nil
}

// visible drops the keys the backend maintains itself.
func (z *zoneSyncer) visible(zone string, sets []zoneRRset) []zoneRRset {
	out := make([]zoneRRset, 0, len(sets))
	for _, s := range sets {
		if backendManagedTypes[s.Type] || z.backend.Manages(zone, s.Name, s.Type) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// zonePatch returns nil when current already equals desired. Otherwise it
// returns the full desired state plus deletions for keys only current has.
func (z *zoneSyncer) zonePatch(zone string, current, desired []zoneRRset) []zoneRRset {
	current = z.visible(zone, current)
	desired = z.visible(zone, desired)
	if len(diffRRsets(current, desired)) == 0 {
		return nil
	}

	want := make(map[rrsetKey]struct{}, len(desired))
	patch := make([]zoneRRset, 0, len(desired))
	for _, s := range desired {
		want[keyOf(s)] = struct{}{}
		patch = append(patch, s)
	}
	for _, s := range current {
		if _, ok := want[keyOf(s)]; !ok {
			patch = append(patch, zoneRRset{Name: s.Name, Type: s.Type})
		}
	}
	sortZoneRRsets(patch)
	return patch
}

// diffRRsets lists the keys whose TTL or record set differ.
func diffRRsets(current, desired []zoneRRset) []rrsetKey {
	index := func(sets []zoneRRset) map[rrsetKey]zoneRRset {
		m := make(map[rrsetKey]zoneRRset, len(sets))
		for _, s := range sets {
			if len(s.Records) == 0 {
				continue
			}
			m[keyOf(s)] = s
		}
		return m
	}
	cur, want := index(current), index(desired)

	var out []rrsetKey
	for k, w := range want {
		c, ok := cur[k]
		if !ok || c.TTL != w.TTL || !sameRecords(c.Records, w.Records) {
			out = append(out, k)
		}
	}
	for k := range cur {
		if _, ok := want[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func keyOf(s zoneRRset) rrsetKey {
	return rrsetKey{Name: strings.ToLower(normalizeName(s.Name)), Type: s.Type}
}

func sameRecords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	a, b = sortedCopy(a), sortedCopy(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// desiredZone converts stored RRsets to their nameserver form.
func desiredZone(domain string, sets []rrsetModel) []zoneRRset {
	out := make([]zoneRRset, 0, len(sets))
	for _, s := range sets {
		if len(s.Records) == 0 {
			continue
		}
		records := make([]string, 0, len(s.Records))
		for _, r := range s.Records {
			records = append(records, r.Content)
		}
		out = append(out, zoneRRset{
			Name:    fqdnFor(s.Subname, domain),
			Type:    s.Type,
			TTL:     s.TTL,
			Records: sortedCopy(records),
		})
	}
	sortZoneRRsets(out)
	return out
}

func sortZoneRRsets(sets []zoneRRset) {
	sort.Slice(sets, func(i, j int) bool {
		if sets[i].Name == sets[j].Name {
			return sets[i].Type < sets[j].Type
		}
		return sets[i].Name < sets[j].Name
	})
}
