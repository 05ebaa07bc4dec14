package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestPersistenceRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "roundtrip.db")
	p, err := newPersistence(dbPath)
	if err != nil {
		t.Fatalf("newPersistence: %v", err)
	}
	ctx := context.Background()

	now := time.Now().UTC()
	u := userModel{ID: "u1", Email: "u1@example.org", CreatedAt: now}
	if err := p.createUser(ctx, &u); err != nil {
		t.Fatalf("createUser: %v", err)
	}
	if err := p.createToken(ctx, &tokenModel{ID: "t1", UserID: u.ID, Name: "default", KeyHash: "hash", CreatedAt: now}); err != nil {
		t.Fatalf("createToken: %v", err)
	}
	d := domainModel{Name: "example.com", OwnerID: u.ID, MinimumTTL: 3600, TouchedAt: now, CreatedAt: now}
	if err := p.createDomain(ctx, &d); err != nil {
		t.Fatalf("createDomain: %v", err)
	}
	if _, err := p.createRRset(ctx, d.ID, rrset{Subname: "www", Type: "A", TTL: 3600, Records: []string{"192.0.2.2", "192.0.2.1"}}, now); err != nil {
		t.Fatalf("createRRset: %v", err)
	}
	if err := p.close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err = newPersistence(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = p.close() })

	got, err := p.userByTokenHash(ctx, "hash")
	if err != nil {
		t.Fatalf("userByTokenHash: %v", err)
	}
	if got.Email != "u1@example.org" {
		t.Fatalf("unexpected user: %+v", got)
	}
	if _, err := p.userByTokenHash(ctx, "other"); !errors.Is(err, errNotFound) {
		t.Fatalf("expected errNotFound, got %v", err)
	}

	sets, err := p.listRRsets(ctx, d.ID)
	if err != nil {
		t.Fatalf("listRRsets: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Records) != 2 || sets[0].Records[0].Content != "192.0.2.1" {
		t.Fatalf("unexpected rrsets after reopen: %+v", sets)
	}
}

func TestPersistenceDuplicateRRsetLeavesNoRows(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	d := seedDomain(t, p, "example.com", rrset{Subname: "x", Type: "A", TTL: 60, Records: []string{"192.0.2.1"}})

	_, err := p.createRRset(ctx, d.ID, rrset{Subname: "x", Type: "A", TTL: 60, Records: []string{"192.0.2.8", "192.0.2.9"}}, time.Now().UTC())
	if !errors.Is(err, errConcurrencyConflict) {
		t.Fatalf("expected errConcurrencyConflict, got %v", err)
	}

	var count int64
	if err := p.db.Model(&recordModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the first record, found %d", count)
	}
}

func TestPersistenceDuplicateDomainIsConflict(t *testing.T) {
	p := newTestPersistence(t)
	d := seedDomain(t, p, "example.com")

	again := domainModel{Name: d.Name, OwnerID: d.OwnerID, MinimumTTL: 60, TouchedAt: time.Now().UTC()}
	if err := p.createDomain(context.Background(), &again); !errors.Is(err, errConcurrencyConflict) {
		t.Fatalf("expected errConcurrencyConflict, got %v", err)
	}
}

func TestPersistenceTransactionRollsBack(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	seedDomain(t, p, "keep.example")
	owner, err := p.domainByName(ctx, "keep.example")
	if err != nil {
		t.Fatalf("domainByName: %v", err)
	}

	boom := errors.New("boom")
	err = p.transaction(ctx, func(ctx context.Context) error {
		d := domainModel{Name: "gone.example", OwnerID: owner.OwnerID, MinimumTTL: 60, TouchedAt: time.Now().UTC()}
		if err := p.createDomain(ctx, &d); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return p.transaction(ctx, func(ctx context.Context) error {
			if _, err := p.domainByName(ctx, "gone.example"); err != nil {
				t.Fatalf("nested transaction should see the insert: %v", err)
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := p.domainByName(ctx, "gone.example"); !errors.Is(err, errNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestPersistenceOverlappingDomains(t *testing.T) {
	p := newTestPersistence(t)
	for _, name := range []string{"example.com", "a.example.com", "b.a.example.com", "notexample.com", "other.org"} {
		seedDomain(t, p, name)
	}

	got, err := p.overlappingDomains(context.Background(), "a.example.com")
	if err != nil {
		t.Fatalf("overlappingDomains: %v", err)
	}
	var names []string
	for _, d := range got {
		names = append(names, d.Name)
	}
	if want := []string{"a.example.com", "b.a.example.com", "example.com"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("overlapping = %v, want %v", names, want)
	}
}

func TestPersistencePendingDomains(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	d := seedDomain(t, p, "example.com")

	pending := func() []string {
		t.Helper()
		list, err := p.pendingDomains(ctx)
		if err != nil {
			t.Fatalf("pendingDomains: %v", err)
		}
		var out []string
		for _, d := range list {
			out = append(out, d.Name)
		}
		return out
	}

	if got := pending(); !reflect.DeepEqual(got, []string{"example.com"}) {
		t.Fatalf("never published domain should be pending, got %v", got)
	}

	published := time.Now().UTC()
	if err := p.markPublished(ctx, d.ID, 42, published); err != nil {
		t.Fatalf("markPublished: %v", err)
	}
	if got := pending(); len(got) != 0 {
		t.Fatalf("expected nothing pending, got %v", got)
	}

	if err := p.touchDomain(ctx, d.ID, published.Add(time.Second)); err != nil {
		t.Fatalf("touchDomain: %v", err)
	}
	if got := pending(); !reflect.DeepEqual(got, []string{"example.com"}) {
		t.Fatalf("touched domain should be pending, got %v", got)
	}

	stored, err := p.domainByName(ctx, "example.com")
	if err != nil {
		t.Fatalf("domainByName: %v", err)
	}
	if stored.Serial != 42 {
		t.Fatalf("serial = %d", stored.Serial)
	}
}

func TestPersistenceDeleteDomainRemovesRRsets(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	d := seedDomain(t, p, "example.com",
		rrset{Subname: "a", Type: "A", TTL: 60, Records: []string{"192.0.2.1"}},
		rrset{Subname: "b", Type: "TXT", TTL: 60, Records: []string{`"x"`}},
	)

	if err := p.deleteDomain(ctx, d.ID); err != nil {
		t.Fatalf("deleteDomain: %v", err)
	}
	sets, err := p.listRRsets(ctx, d.ID)
	if err != nil {
		t.Fatalf("listRRsets: %v", err)
	}
	var records int64
	if err := p.db.Model(&recordModel{}).Count(&records).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	if len(sets) != 0 || records != 0 {
		t.Fatalf("expected no leftovers, rrsets=%d records=%d", len(sets), records)
	}
}

func TestPersistenceBlockedSubnetFor(t *testing.T) {
	p := newTestPersistence(t)
	ctx := context.Background()
	for _, subnet := range []string{"198.51.100.0/24", "2001:db8:1::/48"} {
		b := blockedSubnetModel{ASN: 64500, Subnet: subnet, CreatedAt: time.Now().UTC()}
		if err := p.saveBlockedSubnet(ctx, &b); err != nil {
			t.Fatalf("saveBlockedSubnet: %v", err)
		}
	}

	tests := []struct {
		ip      string
		blocked bool
	}{
		{ip: "198.51.100.200", blocked: true},
		{ip: "198.51.101.1"},
		{ip: "2001:db8:1::42", blocked: true},
		{ip: "2001:db8:2::42"},
	}
	for _, tt := range tests {
		_, ok, err := p.blockedSubnetFor(ctx, net.ParseIP(tt.ip))
		if err != nil {
			t.Fatalf("blockedSubnetFor: %v", err)
		}
		if ok != tt.blocked {
			t.Fatalf("blockedSubnetFor(%s) = %v", tt.ip, ok)
		}
	}
}
