package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

func (s *server) minimumTTL(name string) uint32 {
	if _, local := s.cfg.localParent(name); local {
		return s.cfg.LocalMinimumTTL
	}
	return s.cfg.MinimumTTL
}

// checkDomainPolicy decides whether owner may register name. It reports
// the parent zone when name is locally registrable.
func (s *server) checkDomainPolicy(ctx context.Context, owner userModel, name string, admin bool) (string, bool, error) {
	if err := validateDomainName(name); err != nil {
		return "", false, err
	}
	if s.cfg.isLocalPublicSuffix(name) && !admin {
		return "", false, invalidf("name", "domain %s is reserved", name)
	}

	limit := owner.LimitDomains
	if limit == 0 {
		limit = s.cfg.DomainLimit
	}
	if limit > 0 && !admin {
		owned, err := s.persist.domainsByOwner(ctx, owner.ID)
		if err != nil {
			return "", false, err
		}
		if len(owned) >= limit {
			return "", false, errDomainLimit
		}
	}

	overlapping, err := s.persist.overlappingDomains(ctx, name)
	if err != nil {
		return "", false, err
	}
	for _, d := range overlapping {
		switch {
		case d.Name == name:
			return "", false, invalidf("name", "domain %s is unavailable", name)
		case d.OwnerID == owner.ID:
		case s.cfg.isLocalPublicSuffix(d.Name) && len(d.Name) < len(name):
		default:
			return "", false, invalidf("name", "domain %s is unavailable", name)
		}
	}

	parent, local := s.cfg.localParent(name)
	if !local {
		return "", false, nil
	}
	if _, err := s.persist.domainByName(ctx, parent); err != nil {
		if errors.Is(err, errNotFound) {
			return "", false, invalidf("name", "parent zone %s is not hosted here", parent)
		}
		return "", false, err
	}
	return parent, true, nil
}

// createDomain registers name for owner, publishes its zone and, for
// locally registrable names, delegates it from the parent afterwards.
func (s *server) createDomain(ctx context.Context, owner userModel, name string, admin bool) (domainModel, error) {
	name = normalizeHostname(name)
	parent, local, err := s.checkDomainPolicy(ctx, owner, name, admin)
	if err != nil {
		return domainModel{}, err
	}
	ns, err := canonicalRecords("NS", s.cfg.DefaultNS)
	if err != nil {
		return domainModel{}, fmt.Errorf("default nameservers: %w", err)
	}

	now := time.Now().UTC()
	d := domainModel{
		Name:       name,
		OwnerID:    owner.ID,
		MinimumTTL: s.minimumTTL(name),
		TouchedAt:  now,
		CreatedAt:  now,
	}
	err = s.newTracker().track(ctx, func(ctx context.Context) error {
		if err := s.persist.createDomain(ctx, &d); err != nil {
			return err
		}
		if len(ns) > 0 {
			apex := rrset{Type: "NS", TTL: apexNSTTL, Records: ns}
			if _, err := s.persist.createRRset(ctx, d.ID, apex, now); err != nil {
				return err
			}
		}
		if err := markDirty(ctx, d.Name); err != nil {
			return err
		}
		if local {
			return afterSync(ctx, s.delegation(d.Name, parent, false))
		}
		return nil
	})
	if err != nil {
		return d, err
	}

	loggerFrom(ctx).Info("domain created", "domain", d.Name, "owner", owner.ID, "local", local)
	return s.persist.domainByName(ctx, d.Name)
}

// deleteDomain removes name if owner holds it. Deleting an absent or
// foreign domain succeeds without effect.
func (s *server) deleteDomain(ctx context.Context, owner userModel, name string) error {
	d, err := s.persist.domainByName(ctx, name)
	if errors.Is(err, errNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if d.OwnerID != owner.ID {
		return nil
	}

	parent, local := s.cfg.localParent(d.Name)
	if local {
		if _, err := s.persist.domainByName(ctx, parent); errors.Is(err, errNotFound) {
			loggerFrom(ctx).Warn("parent zone gone, skipping delegation cleanup", "domain", d.Name, "parent", parent)
			local = false
		} else if err != nil {
			return err
		}
	}

	err = s.newTracker().track(ctx, func(ctx context.Context) error {
		if err := s.persist.deleteDomain(ctx, d.ID); err != nil {
			return err
		}
		if err := markDirty(ctx, d.Name); err != nil {
			return err
		}
		if local {
			return afterSync(ctx, s.delegation(d.Name, parent, true))
		}
		return nil
	})
	if err != nil {
		return err
	}

	loggerFrom(ctx).Info("domain deleted", "domain", d.Name, "owner", owner.ID)
	return nil
}

// ownedDomain returns name if owner holds it; other owners' domains are
// reported as not found.
func (s *server) ownedDomain(ctx context.Context, owner userModel, name string) (domainModel, error) {
	d, err := s.persist.domainByName(ctx, name)
	if err != nil {
		return domainModel{}, err
	}
	if d.OwnerID != owner.ID {
		return domainModel{}, fmt.Errorf("domain %s: %w", name, errNotFound)
	}
	return d, nil
}

func newDomainView(d domainModel) domainView {
	return domainView{
		Name:       d.Name,
		MinimumTTL: d.MinimumTTL,
		Serial:     d.Serial,
		Created:    d.CreatedAt,
		Published:  d.PublishedAt,
		Touched:    d.TouchedAt,
	}
}
