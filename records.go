package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

const (
	apexNSTTL = 3600
	maxTTL    = 604800
)

var supportedTypes = map[string]bool{
	"A": true, "AAAA": true, "AFSDB": true, "CAA": true, "CDNSKEY": true, "CDS": true, "CERT": true,
	"CNAME": true, "DHCID": true, "DNAME": true, "DNSKEY": true, "DS": true, "EUI48": true, "EUI64": true,
	"HINFO": true, "HTTPS": true, "KX": true, "LOC": true, "MX": true, "NAPTR": true, "NS": true,
	"NSEC": true, "NSEC3": true, "NSEC3PARAM": true, "OPENPGPKEY": true, "PTR": true, "RP": true,
	"RRSIG": true, "SMIMEA": true, "SOA": true, "SPF": true, "SRV": true, "SSHFP": true, "SVCB": true,
	"TLSA": true, "TXT": true, "URI": true,
}

// restrictedTypes are maintained by the service or the nameserver and cannot
// be written through the API.
var restrictedTypes = map[string]bool{
	"SOA": true, "DNSKEY": true, "RRSIG": true, "NSEC": true, "NSEC3": true,
	"NSEC3PARAM": true, "CDS": true, "CDNSKEY": true, "OPT": true,
}

// backendManagedTypes never take part in zone diffs; the nameserver owns them.
var backendManagedTypes = map[string]bool{
	"SOA": true, "DNSKEY": true, "RRSIG": true, "NSEC": true, "NSEC3": true,
	"NSEC3PARAM": true, "CDS": true, "CDNSKEY": true,
}

var (
	domainLabelRe  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	tldLabelRe     = regexp.MustCompile(`^[a-z][a-z0-9-]{0,61}[a-z0-9]$`)
	subnameLabelRe = regexp.MustCompile(`^[a-z0-9_]([a-z0-9_-]{0,61}[a-z0-9_])?$`)
)

func validateDomainName(name string) error {
	if name == "" || !strings.Contains(name, ".") {
		return invalidf("name", "%q is not a valid domain name", name)
	}
	if _, ok := dns.IsDomainName(name); !ok || len(name) > 253 {
		return invalidf("name", "%q is not a valid domain name", name)
	}
	labels := dns.SplitDomainName(name)
	for i, l := range labels {
		re := domainLabelRe
		if i == len(labels)-1 {
			re = tldLabelRe
		}
		if !re.MatchString(l) {
			return invalidf("name", "%q is not a valid domain name", name)
		}
	}
	return nil
}

func validateSubname(subname, domain string) error {
	if subname == "" {
		return nil
	}
	labels := strings.Split(subname, ".")
	for i, l := range labels {
		if l == "*" && i == 0 {
			continue
		}
		if !subnameLabelRe.MatchString(l) {
			return invalidf("subname", "%q is not a valid subname", subname)
		}
	}
	if len(fqdnFor(subname, domain)) > 254 {
		return invalidf("subname", "%q makes the name too long", subname)
	}
	return nil
}

func checkType(rtype, subname string) error {
	if !supportedTypes[rtype] {
		return invalidf("type", "unsupported record type %q", rtype)
	}
	if restrictedTypes[rtype] {
		return fmt.Errorf("%s: %w", rtype, errRestrictedType)
	}
	if rtype == "NS" && subname == "" {
		return fmt.Errorf("apex NS: %w", errRestrictedType)
	}
	return nil
}

// canonicalRecord parses content as rtype record data and returns it in
// presentation form, so equal data always compares equal.
func canonicalRecord(rtype, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" || strings.ContainsAny(content, "\n\r") {
		return "", invalidf("records", "invalid %s record %q", rtype, content)
	}
	rt, ok := dns.StringToType[rtype]
	if !ok {
		return "", invalidf("type", "unsupported record type %q", rtype)
	}

	rr, err := dns.NewRR(fmt.Sprintf(". 3600 IN %s %s", rtype, content))
	if err != nil {
		return "", invalidf("records", "invalid %s record %q: %v", rtype, content, err)
	}
	if rr == nil || rr.Header().Rrtype != rt {
		return "", invalidf("records", "invalid %s record %q", rtype, content)
	}
	return strings.TrimPrefix(rr.String(), rr.Header().String()), nil
}

func canonicalRecords(rtype string, contents []string) ([]string, error) {
	seen := make(map[string]struct{}, len(contents))
	out := make([]string, 0, len(contents))
	for _, c := range contents {
		rec, err := canonicalRecord(rtype, c)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rec]; dup {
			continue
		}
		seen[rec] = struct{}{}
		out = append(out, rec)
	}
	return sortedCopy(out), nil
}

// soaForZone builds the SOA a nameserver without its own SOA handling
// publishes for zone.
func soaForZone(zone string, ns []string, serial uint32) *dns.SOA {
	zone = normalizeName(zone)
	mname := zone
	if len(ns) > 0 {
		mname = normalizeName(ns[0])
	}

	return &dns.SOA{
		Hdr:     dns.RR_Header{Name: zone, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: 300},
		Ns:      mname,
		Mbox:    "hostmaster." + zone,
		Serial:  serial,
		Refresh: 3600,
		Retry:   600,
		Expire:  604800,
		Minttl:  300,
	}
}

// rdata returns the presentation form of rr without its header.
func rdata(rr dns.RR) string {
	return strings.TrimPrefix(rr.String(), rr.Header().String())
}
