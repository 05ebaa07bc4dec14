package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const delegationTTL = 3600

// delegationUpdate keeps the NS, DS and glue records of a locally
// registrable child in its parent zone. It runs as a deferred action so the
// child zone already exists upstream when the parent starts pointing at it.
// DS records are looked up in prepare, before the action's transaction.
type delegationUpdate struct {
	store   *persistence
	signer  dsPublisher
	timeout time.Duration
	ns      []string
	glue    map[string][]string
	child   string
	parent  string
	remove  bool
	ds      []string
}

func (s *server) delegation(child, parent string, remove bool) delegationUpdate {
	return delegationUpdate{
		store:   s.persist,
		signer:  s.signer,
		timeout: s.cfg.BackendTimeout,
		ns:      s.cfg.DefaultNS,
		glue:    s.cfg.NSGlue,
		child:   normalizeHostname(child),
		parent:  normalizeHostname(parent),
		remove:  remove,
	}
}

func (d delegationUpdate) prepare(ctx context.Context) (deferredAction, error) {
	if !d.remove {
		d.ds = d.dsRecords(ctx)
	}
	return d, nil
}

func (d delegationUpdate) Execute(ctx context.Context) error {
	parent, err := d.store.domainByName(ctx, d.parent)
	if errors.Is(err, errNotFound) {
		return fmt.Errorf("%w: parent zone %s of %s does not exist", errContractViolation, d.parent, d.child)
	}
	if err != nil {
		return err
	}
	label, ok := subnameOf(d.child, d.parent)
	if !ok || label == "" {
		return fmt.Errorf("%w: %s is not below %s", errContractViolation, d.child, d.parent)
	}

	sets, err := d.records(ctx, label)
	if err != nil {
		return err
	}
	if _, err := applyRRsets(ctx, d.store, parent, sets, writeUpsert); err != nil {
		return fmt.Errorf("update delegation of %s: %w", d.child, err)
	}

	op := "set"
	if d.remove {
		op = "removed"
	}
	loggerFrom(ctx).Info("delegation "+op, "child", d.child, "parent", d.parent)
	return nil
}

// records returns the parent-side RRsets for the delegation. When removing,
// every set has no records.
func (d delegationUpdate) records(ctx context.Context, label string) ([]rrset, error) {
	ns := rrset{Subname: label, Type: "NS", TTL: delegationTTL}
	ds := rrset{Subname: label, Type: "DS", TTL: delegationTTL}
	if !d.remove {
		var err error
		if ns.Records, err = canonicalRecords("NS", d.ns); err != nil {
			return nil, err
		}
		ds.Records = d.ds
	}
	sets := []rrset{ns, ds}

	// Glue is only needed for nameservers inside the delegated zone.
	child := normalizeName(d.child)
	for _, host := range d.ns {
		if !dns.IsSubDomain(child, host) {
			continue
		}
		sub, ok := subnameOf(host, d.parent)
		if !ok {
			continue
		}
		a := rrset{Subname: sub, Type: "A", TTL: delegationTTL}
		aaaa := rrset{Subname: sub, Type: "AAAA", TTL: delegationTTL}
		if !d.remove {
			for _, addr := range d.glue[normalizeName(host)] {
				ip := net.ParseIP(addr)
				switch {
				case ip == nil:
					loggerFrom(ctx).Warn("ignoring invalid glue address", "ns", host, "addr", addr)
				case ip.To4() != nil:
					a.Records = append(a.Records, ip.String())
				default:
					aaaa.Records = append(aaaa.Records, ip.String())
				}
			}
			a.Records, aaaa.Records = sortedCopy(a.Records), sortedCopy(aaaa.Records)
		}
		sets = append(sets, a, aaaa)
	}
	return sets, nil
}

func (d delegationUpdate) dsRecords(ctx context.Context) []string {
	if d.signer == nil {
		return nil
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	raw, err := d.signer.DS(ctx, normalizeName(d.child))
	if err != nil {
		loggerFrom(ctx).Warn("delegating without DS", "child", d.child, "err", err)
		return nil
	}
	out, err := canonicalRecords("DS", raw)
	if err != nil {
		loggerFrom(ctx).Warn("delegating without DS", "child", d.child, "err", err)
		return nil
	}
	return out
}
