// Package dns provides DNS lookups used for SIP destination resolution.
package dns

//go:generate errtrace -w .

import (
	"cmp"
	"context"
	"net"
	"slices"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"
)

// Resolver wraps net.Resolver with the additional lookups needed by RFC 3263.
type Resolver struct {
	net.Resolver

	// NameServer specifies the DNS server address (e.g., "8.8.8.8:53").
	// If empty, the host's default resolver configuration is used.
	NameServer string
	// Timeout specifies the timeout for direct DNS queries.
	// If zero, defaults to 5 seconds.
	Timeout time.Duration
}

func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	ips, err := r.Resolver.LookupIP(ctx, network, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	for i, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			ips[i] = ip4
		}
	}
	return ips, nil
}

type SRV = net.SRV

func (r *Resolver) LookupSRV(ctx context.Context, service, proto, host string) ([]*SRV, error) {
	_, srvs, err := r.Resolver.LookupSRV(ctx, service, proto, host)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return srvs, nil
}

// NAPTR represents a NAPTR DNS record as defined in RFC 3403.
// SIP uses NAPTR records (RFC 3263) to discover the transport protocols
// supported by a domain.
type NAPTR struct {
	// Order specifies the order in which NAPTR records must be processed.
	Order uint16
	// Preference ranks records with equal Order values.
	Preference uint16
	// Flags control interpretation of the remaining fields.
	// "s" means Replacement points to an SRV record.
	Flags string
	// Service names the service and protocol, e.g. "SIP+D2U", "SIPS+D2T".
	Service string
	// Regexp is a substitution expression, usually empty for SIP.
	Regexp string
	// Replacement is the next domain name to query.
	Replacement string
}

// LookupNAPTR queries NAPTR records for the given host.
// Records are returned sorted by Order, then by Preference.
func (r *Resolver) LookupNAPTR(ctx context.Context, host string) ([]*NAPTR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeNAPTR)
	m.RecursionDesired = true

	nameserver, err := r.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: r.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       host,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	recs := make([]*NAPTR, 0, len(resp.Answer))
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.NAPTR); ok {
			recs = append(recs, &NAPTR{
				Order:       rr.Order,
				Preference:  rr.Preference,
				Flags:       rr.Flags,
				Service:     rr.Service,
				Regexp:      rr.Regexp,
				Replacement: rr.Replacement,
			})
		}
	}

	slices.SortFunc(recs, func(a, b *NAPTR) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.Preference, b.Preference)
	})
	return recs, nil
}

func (r *Resolver) nameserver() (string, error) {
	if r.NameServer != "" {
		return r.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no nameservers configured"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (r *Resolver) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return 5 * time.Second
}
