package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// subnetLookup finds the announced subnet an address belongs to.
type subnetLookup interface {
	Lookup(ctx context.Context, ip net.IP) (blockedSubnetModel, error)
}

// cymruLookup queries the Team Cymru IP to ASN mapping over DNS.
type cymruLookup struct {
	client *dns.Client
	server string
}

func newCymruLookup(resolvConf string, timeout time.Duration) (*cymruLookup, error) {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, fmt.Errorf("read resolver config: %w", err)
	}
	if len(cc.Servers) == 0 {
		return nil, errors.New("no resolver configured in " + resolvConf)
	}
	return &cymruLookup{
		client: &dns.Client{Net: "udp", Timeout: timeout},
		server: net.JoinHostPort(cc.Servers[0], cc.Port),
	}, nil
}

// cymruQuestion returns the origin.asn.cymru.com name for ip.
func cymruQuestion(ip net.IP) (string, error) {
	rev, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return "", fmt.Errorf("reverse %s: %w", ip, err)
	}
	if ip.To4() != nil {
		return strings.TrimSuffix(rev, "in-addr.arpa.") + "origin.asn.cymru.com.", nil
	}
	return strings.TrimSuffix(rev, "ip6.arpa.") + "origin6.asn.cymru.com.", nil
}

func (c *cymruLookup) Lookup(ctx context.Context, ip net.IP) (blockedSubnetModel, error) {
	q, err := cymruQuestion(ip)
	if err != nil {
		return blockedSubnetModel{}, err
	}

	m := new(dns.Msg)
	m.SetQuestion(q, dns.TypeTXT)
	m.RecursionDesired = true

	in, _, err := c.client.ExchangeContext(ctx, m, c.server)
	if err != nil {
		return blockedSubnetModel{}, fmt.Errorf("query %s: %w", q, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return blockedSubnetModel{}, fmt.Errorf("query %s: %s", q, dns.RcodeToString[in.Rcode])
	}
	for _, rr := range in.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			return parseCymruTXT(strings.Join(txt.Txt, ""))
		}
	}
	return blockedSubnetModel{}, fmt.Errorf("query %s: no TXT answer", q)
}

// parseCymruTXT reads "ASN | subnet | country | registry | allocated".
// When several ASNs announce the subnet the first one is kept.
func parseCymruTXT(txt string) (blockedSubnetModel, error) {
	parts := strings.Split(txt, "|")
	if len(parts) < 5 {
		return blockedSubnetModel{}, fmt.Errorf("unexpected origin answer %q", txt)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	asnField := strings.Fields(parts[0])
	if len(asnField) == 0 {
		return blockedSubnetModel{}, fmt.Errorf("unexpected origin answer %q", txt)
	}
	asn, err := strconv.ParseUint(asnField[0], 10, 32)
	if err != nil {
		return blockedSubnetModel{}, fmt.Errorf("parse ASN %q: %w", asnField[0], err)
	}
	_, subnet, err := net.ParseCIDR(parts[1])
	if err != nil {
		return blockedSubnetModel{}, fmt.Errorf("parse subnet %q: %w", parts[1], err)
	}

	return blockedSubnetModel{
		ASN:            uint32(asn),
		Subnet:         subnet.String(),
		Country:        parts[2],
		Registry:       parts[3],
		AllocationDate: parts[4],
	}, nil
}

// blockSubnet records the subnet of req.IP (looked up) or req.Subnet
// (taken as given) in the abuse list.
func (s *server) blockSubnet(ctx context.Context, req blockSubnetRequest) (blockedSubnetModel, error) {
	var b blockedSubnetModel
	switch {
	case req.Subnet != "":
		_, n, err := net.ParseCIDR(strings.TrimSpace(req.Subnet))
		if err != nil {
			return blockedSubnetModel{}, invalidf("subnet", "%q is not a CIDR subnet", req.Subnet)
		}
		b = blockedSubnetModel{ASN: req.ASN, Subnet: n.String()}
	case req.IP != "":
		ip := net.ParseIP(strings.TrimSpace(req.IP))
		if ip == nil {
			return blockedSubnetModel{}, invalidf("ip", "%q is not an IP address", req.IP)
		}
		if s.abuse == nil {
			return blockedSubnetModel{}, errors.New("subnet lookup is not available")
		}
		found, err := s.abuse.Lookup(ctx, ip)
		if err != nil {
			return blockedSubnetModel{}, fmt.Errorf("look up subnet of %s: %w", ip, err)
		}
		b = found
	default:
		return blockedSubnetModel{}, invalidf("ip", "ip or subnet is required")
	}

	b.CreatedAt = time.Now().UTC()
	if err := s.persist.saveBlockedSubnet(ctx, &b); err != nil {
		return blockedSubnetModel{}, err
	}
	loggerFrom(ctx).Info("subnet blocked", "subnet", b.Subnet, "asn", b.ASN, "country", b.Country)
	return b, nil
}
