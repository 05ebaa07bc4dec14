package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

var (
	ipv4Params = []string{"myip", "myipv4", "ip"}
	ipv6Params = []string{"myipv6", "ipv6", "myip", "ip"}
)

// findIP picks the address for one family from the query, falling back to
// the source address. marker is "." for IPv4 and ":" for IPv6. A present but
// empty parameter clears the family. Once any of the family's parameters is
// present the source address is not consulted, so an address of the other
// family given explicitly never pulls the source address in.
func findIP(q url.Values, remote string, params []string, marker string) string {
	present := false
	for _, p := range params {
		if !q.Has(p) {
			continue
		}
		present = true
		v := strings.TrimSpace(q.Get(p))
		if v == "" {
			return ""
		}
		if strings.Contains(v, marker) {
			return v
		}
	}
	if !present && strings.Contains(remote, marker) {
		return remote
	}
	return ""
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// dynDNSUpdate is the desired A and AAAA state for one name.
type dynDNSUpdate struct {
	domain  domainModel
	subname string
	ipv4    string
	ipv6    string
}

func (s *server) handleDynDNSUpdate(w http.ResponseWriter, r *http.Request) {
	u, ok := userFrom(r.Context())
	if !ok {
		s.writeDynDNSError(w, r, errUnauthorized)
		return
	}

	upd, err := s.parseDynDNSUpdate(r, u)
	if err != nil {
		s.writeDynDNSError(w, r, err)
		return
	}
	if err := s.applyDynDNSUpdate(r.Context(), upd); err != nil {
		s.writeDynDNSError(w, r, err)
		return
	}

	dynDNSTotal.WithLabelValues("good").Inc()
	loggerFrom(r.Context()).Info("dynamic update applied",
		"domain", upd.domain.Name, "subname", upd.subname, "ipv4", upd.ipv4, "ipv6", upd.ipv6)
	writeText(w, http.StatusOK, "good")
}

func (s *server) parseDynDNSUpdate(r *http.Request, u userModel) (dynDNSUpdate, error) {
	owned, err := s.persist.domainsByOwner(r.Context(), u.ID)
	if err != nil {
		return dynDNSUpdate{}, err
	}
	hostname, err := hostnameFromRequest(r, owned)
	if err != nil {
		return dynDNSUpdate{}, err
	}
	dom, subname, err := resolveDomain(hostname, owned)
	if err != nil {
		return dynDNSUpdate{}, err
	}

	q, remote := r.URL.Query(), remoteIP(r)
	return dynDNSUpdate{
		domain:  dom,
		subname: subname,
		ipv4:    findIP(q, remote, ipv4Params, "."),
		ipv6:    findIP(q, remote, ipv6Params, ":"),
	}, nil
}

func (s *server) applyDynDNSUpdate(ctx context.Context, upd dynDNSUpdate) error {
	if err := validateSubname(upd.subname, upd.domain.Name); err != nil {
		return err
	}

	sets := make([]rrset, 0, 2)
	for _, v := range []struct{ rtype, ip string }{{"A", upd.ipv4}, {"AAAA", upd.ipv6}} {
		set := rrset{Subname: upd.subname, Type: v.rtype, TTL: s.cfg.DynDNSTTL}
		if v.ip != "" {
			records, err := canonicalRecords(v.rtype, []string{v.ip})
			if err != nil {
				return err
			}
			set.Records = records
		}
		sets = append(sets, set)
	}
	if err := s.checkRRsets(ctx, upd.domain, sets, batchMerge); err != nil {
		return err
	}

	return s.newTracker().track(ctx, func(ctx context.Context) error {
		_, err := applyRRsets(ctx, s.persist, upd.domain, sets, writeUpsert)
		return err
	})
}

func (s *server) writeDynDNSError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *validationError
		serr *syncError
	)
	switch {
	case errors.Is(err, errNotFound):
		dynDNSTotal.WithLabelValues("nohost").Inc()
		loggerFrom(r.Context()).Debug("dynamic update for unknown host", "err", err)
		writeText(w, http.StatusNotFound, "nohost")
		return
	case errors.Is(err, errUnauthorized):
		dynDNSTotal.WithLabelValues("badauth").Inc()
	case errors.Is(err, errAmbiguousDomain):
		dynDNSTotal.WithLabelValues("ambiguous").Inc()
	case errors.Is(err, errConcurrencyConflict):
		dynDNSTotal.WithLabelValues("conflict").Inc()
	case errors.As(err, &verr):
		dynDNSTotal.WithLabelValues("invalid").Inc()
	case errors.As(err, &serr):
		dynDNSTotal.WithLabelValues("sync-pending").Inc()
	default:
		dynDNSTotal.WithLabelValues("error").Inc()
	}
	s.writeError(w, r, err)
}
