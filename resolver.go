package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/miekg/dns"
)

// hostnameUnspecified is sent by some update clients in place of a hostname.
const hostnameUnspecified = "YES"

// hostnameFromRequest picks the name a dynamic update is for. Sources are
// tried in order: hostname, host_id, Basic auth username, username, and
// finally the only domain the requester owns. A query parameter that is
// present is used even when empty, except hostname=YES.
func hostnameFromRequest(r *http.Request, owned []domainModel) (string, error) {
	q := r.URL.Query()

	if q.Has("hostname") && !strings.EqualFold(strings.TrimSpace(q.Get("hostname")), hostnameUnspecified) {
		return strings.ToLower(strings.TrimSpace(q.Get("hostname"))), nil
	}
	if q.Has("host_id") {
		return strings.ToLower(strings.TrimSpace(q.Get("host_id"))), nil
	}
	if user, _, ok := r.BasicAuth(); ok {
		// An email-style username identifies the account, not a host.
		if user = strings.TrimSpace(user); user != "" && !strings.Contains(user, "@") {
			return strings.ToLower(user), nil
		}
	}
	if q.Has("username") {
		return strings.ToLower(strings.TrimSpace(q.Get("username"))), nil
	}

	switch len(owned) {
	case 0:
		return "", fmt.Errorf("no domain for update: %w", errNotFound)
	case 1:
		return owned[0].Name, nil
	default:
		return "", errAmbiguousDomain
	}
}

// resolveDomain returns the owned domain with the longest name that hostname
// equals or ends in, and the subname left in front of it.
func resolveDomain(hostname string, owned []domainModel) (domainModel, string, error) {
	q := normalizeName(hostname)
	if _, ok := dns.IsDomainName(q); !ok || q == "." {
		return domainModel{}, "", fmt.Errorf("hostname %q: %w", hostname, errNotFound)
	}

	var (
		best       domainModel
		found      bool
		bestLabels int
	)
	for _, d := range owned {
		zone := normalizeName(d.Name)
		if !dns.IsSubDomain(zone, q) {
			continue
		}
		labels := dns.CountLabel(zone)
		if !found || labels > bestLabels {
			best = d
			bestLabels = labels
			found = true
		}
	}
	if !found {
		return domainModel{}, "", fmt.Errorf("hostname %q: %w", hostname, errNotFound)
	}

	subname, _ := subnameOf(q, best.Name)
	return best, subname, nil
}
