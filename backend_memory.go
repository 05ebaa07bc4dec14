package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/miekg/dns"
)

type memoryZone struct {
	serial uint32
	rrsets map[rrsetKey]zoneRRset
}

// memoryNameserver keeps zones in process. It bumps a zone's SOA serial
// only when a write changes content. It backs NAMESERVER_BACKEND=memory
// and the tests.
type memoryNameserver struct {
	mu    sync.RWMutex
	zones map[string]*memoryZone
	calls []string
	fail  map[string]error
}

func newMemoryNameserver() *memoryNameserver {
	return &memoryNameserver{
		zones: make(map[string]*memoryZone),
		fail:  make(map[string]error),
	}
}

func (m *memoryNameserver) Name() string {
	return "memory"
}

func (m *memoryNameserver) Manages(_, _, rtype string) bool {
	return rtype == "SOA"
}

func (m *memoryNameserver) record(op, zone string) error {
	m.calls = append(m.calls, op+" "+zone)
	if err, ok := m.fail[zone]; ok {
		return err
	}
	return nil
}

func (m *memoryNameserver) GetZone(_ context.Context, zone string) (*zoneState, error) {
	zone = normalizeName(zone)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("get", zone); err != nil {
		return nil, err
	}
	z, ok := m.zones[zone]
	if !ok {
		return nil, errZoneNotFound
	}

	out := &zoneState{Name: zone, Serial: z.serial, RRsets: make([]zoneRRset, 0, len(z.rrsets)+1)}
	var apexNS []string
	for k, set := range z.rrsets {
		if k.Name == zone && k.Type == "NS" {
			apexNS = set.Records
		}
		out.RRsets = append(out.RRsets, copyZoneRRset(set))
	}
	soa := soaForZone(zone, apexNS, z.serial)
	out.RRsets = append(out.RRsets, zoneRRset{Name: zone, Type: "SOA", TTL: soa.Hdr.Ttl, Records: []string{rdata(soa)}})
	sortZoneRRsets(out.RRsets)
	return out, nil
}

func (m *memoryNameserver) CreateZone(_ context.Context, zone string, rrsets []zoneRRset) error {
	zone = normalizeName(zone)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("create", zone); err != nil {
		return err
	}
	if _, ok := m.zones[zone]; ok {
		return errZoneExists
	}

	z := &memoryZone{serial: 1, rrsets: make(map[rrsetKey]zoneRRset, len(rrsets))}
	for _, set := range rrsets {
		if err := checkInZone(zone, set.Name); err != nil {
			return err
		}
		if len(set.Records) > 0 {
			z.rrsets[keyOf(set)] = copyZoneRRset(set)
		}
	}
	m.zones[zone] = z
	return nil
}

func (m *memoryNameserver) PatchZone(_ context.Context, zone string, rrsets []zoneRRset) error {
	zone = normalizeName(zone)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("patch", zone); err != nil {
		return err
	}
	z, ok := m.zones[zone]
	if !ok {
		return errZoneNotFound
	}

	changed := false
	for _, set := range rrsets {
		if err := checkInZone(zone, set.Name); err != nil {
			return err
		}
		k := keyOf(set)
		prev, exists := z.rrsets[k]
		if len(set.Records) == 0 {
			if exists {
				delete(z.rrsets, k)
				changed = true
			}
			continue
		}
		if exists && prev.TTL == set.TTL && sameRecords(prev.Records, set.Records) {
			continue
		}
		z.rrsets[k] = copyZoneRRset(set)
		changed = true
	}
	if changed {
		z.serial++
	}
	return nil
}

func (m *memoryNameserver) DeleteZone(_ context.Context, zone string) error {
	zone = normalizeName(zone)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.record("delete", zone); err != nil {
		return err
	}
	delete(m.zones, zone)
	return nil
}

// failZone makes every later call for zone return err; nil clears it.
func (m *memoryNameserver) failZone(zone string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, normalizeName(zone))
		return
	}
	m.fail[normalizeName(zone)] = err
}

// callLog returns the backend calls made so far, as "op zone." strings.
func (m *memoryNameserver) callLog() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.calls...)
}

// writes counts create, patch and delete calls for zone.
func (m *memoryNameserver) writes(zone string) int {
	zone = normalizeName(zone)
	n := 0
	for _, c := range m.callLog() {
		op, z, _ := strings.Cut(c, " ")
		if z == zone && op != "get" {
			n++
		}
	}
	return n
}

func (m *memoryNameserver) zoneNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.zones))
	for name := range m.zones {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func checkInZone(zone, name string) error {
	if !dns.IsSubDomain(zone, normalizeName(name)) {
		return fmt.Errorf("name %s is out of zone %s", name, zone)
	}
	return nil
}

func copyZoneRRset(s zoneRRset) zoneRRset {
	s.Name = normalizeName(s.Name)
	s.Records = sortedCopy(s.Records)
	return s
}
