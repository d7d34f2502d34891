package sip

import (
	"context"
	"iter"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/voipkit/pbx/dns"
)

// Transport protocol tokens as they appear in Via headers.
const (
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"
)

// IsReliableTransport reports whether the transport token names a transport
// with built-in delivery guarantees. Reliable transports never need the
// retransmission-related transaction timers.
func IsReliableTransport(tp string) bool {
	return !strings.EqualFold(tp, TransportUDP)
}

// DNSResolver is used to resolve the request destination address.
type DNSResolver interface {
	// LookupIP looks up the IP address for the given host.
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	// LookupSRV looks up the SRV record for the given service and protocol.
	LookupSRV(ctx context.Context, service, proto, host string) ([]*dns.SRV, error)
	// LookupNAPTR looks up the NAPTR record for the given host.
	LookupNAPTR(ctx context.Context, host string) ([]*dns.NAPTR, error)
}

// Target is a resolved destination for an outbound request.
type Target struct {
	Transport string
	Addr      netip.AddrPort
}

// Reliable reports whether the target's transport is reliable, which is what
// [TransactionLayer.CreateClientTransaction] expects as its reliability flag.
func (t Target) Reliable() bool { return IsReliableTransport(t.Transport) }

// RequestAddrs returns the ordered candidate destinations for an outbound
// request aimed at the given host, following RFC 3263 Section 4: a numeric
// host is used as-is, an explicit port skips NAPTR/SRV, otherwise NAPTR
// discovers the transports the domain supports and SRV picks the hosts.
//
//nolint:gocognit
func RequestAddrs(
	ctx context.Context,
	host string,
	port uint16,
	secured bool,
	dnsRslvr DNSResolver,
) iter.Seq[Target] {
	return func(yield func(Target) bool) {
		defTp := TransportUDP
		if secured {
			defTp = TransportTLS
		}

		// RFC 3263 Section 4.1: a numeric IP is used directly.
		if addr, err := netip.ParseAddr(host); err == nil {
			p := port
			if p == 0 {
				p = defaultPort(secured)
			}
			if addrPort := netip.AddrPortFrom(addr.Unmap(), p); addrPort.IsValid() {
				yield(Target{Transport: defTp, Addr: addrPort})
			}
			return
		}

		// RFC 3263 Section 4.2: an explicit port skips NAPTR and SRV.
		if port != 0 {
			yieldHostTargets(ctx, dnsRslvr, yield, defTp, host, port)
			return
		}

		if naptrs, err := dnsRslvr.LookupNAPTR(ctx, host); err == nil && len(naptrs) > 0 {
			for _, rec := range naptrs {
				tp, ok := transportForService(rec.Service)
				if !ok || !strings.EqualFold(rec.Flags, "s") {
					continue
				}
				if secured && !strings.EqualFold(tp, TransportTLS) {
					continue
				}
				if srvs, err := dnsRslvr.LookupSRV(ctx, "", "", rec.Replacement); err == nil {
					if !yieldSRVTargets(ctx, dnsRslvr, yield, tp, srvs) {
						return
					}
				}
			}
			return
		}

		serv, netw := "sip", "udp"
		if secured {
			serv, netw = "sips", "tcp"
		}
		if srvs, err := dnsRslvr.LookupSRV(ctx, serv, netw, host); err == nil && len(srvs) > 0 {
			yieldSRVTargets(ctx, dnsRslvr, yield, defTp, srvs)
			return
		}

		// Fallback to an address lookup with the default port.
		yieldHostTargets(ctx, dnsRslvr, yield, defTp, host, defaultPort(secured))
	}
}

func defaultPort(secured bool) uint16 {
	if secured {
		return 5061
	}
	return 5060
}

// transportForService maps a NAPTR service field to a transport token per
// RFC 3263 Section 4.1.
func transportForService(serv string) (string, bool) {
	switch strings.ToUpper(serv) {
	case "SIP+D2U":
		return TransportUDP, true
	case "SIP+D2T":
		return TransportTCP, true
	case "SIPS+D2T":
		return TransportTLS, true
	default:
		return "", false
	}
}

func yieldSRVTargets(
	ctx context.Context,
	dnsRslvr DNSResolver,
	yield func(Target) bool,
	tp string,
	srvs []*dns.SRV,
) bool {
	srvs = slices.SortedFunc(slices.Values(srvs), func(e1, e2 *dns.SRV) int {
		switch {
		case e1.Priority < e2.Priority:
			return -1
		case e1.Priority > e2.Priority:
			return 1
		case e1.Weight > e2.Weight:
			return -1
		case e1.Weight < e2.Weight:
			return 1
		default:
			return strings.Compare(e1.Target, e2.Target)
		}
	})

	for _, srv := range srvs {
		if !yieldHostTargets(ctx, dnsRslvr, yield, tp, srv.Target, srv.Port) {
			return false
		}
	}
	return true
}

func yieldHostTargets(
	ctx context.Context,
	dnsRslvr DNSResolver,
	yield func(Target) bool,
	tp string,
	host string,
	port uint16,
) bool {
	ips, err := dnsRslvr.LookupIP(ctx, "ip", host)
	if err != nil {
		return true
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()

		if addrPort := netip.AddrPortFrom(addr, port); addrPort.IsValid() && !yield(Target{Transport: tp, Addr: addrPort}) {
			return false
		}
	}
	return true
}
