package sip_test

import (
	"context"
	"net"
	"net/netip"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/voipkit/pbx/dns"
	"github.com/voipkit/pbx/sip"
)

type stubResolver struct {
	ips    map[string][]net.IP
	srvs   map[string][]*dns.SRV
	naptrs map[string][]*dns.NAPTR
}

func (r *stubResolver) LookupIP(_ context.Context, _, host string) ([]net.IP, error) {
	ips, ok := r.ips[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

func (r *stubResolver) LookupSRV(_ context.Context, _, _, host string) ([]*dns.SRV, error) {
	srvs, ok := r.srvs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return srvs, nil
}

func (r *stubResolver) LookupNAPTR(_ context.Context, host string) ([]*dns.NAPTR, error) {
	recs, ok := r.naptrs[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return recs, nil
}

func TestIsReliableTransport(t *testing.T) {
	t.Parallel()

	if sip.IsReliableTransport(sip.TransportUDP) {
		t.Fatal("UDP reported reliable")
	}
	if sip.IsReliableTransport("udp") {
		t.Fatal("udp reported reliable")
	}
	for _, tp := range []string{sip.TransportTCP, sip.TransportTLS, sip.TransportWS, sip.TransportWSS} {
		if !sip.IsReliableTransport(tp) {
			t.Fatalf("%s reported unreliable", tp)
		}
	}
}

func TestRequestAddrs_NumericHost(t *testing.T) {
	t.Parallel()

	rslv := &stubResolver{}

	got := slices.Collect(sip.RequestAddrs(t.Context(), "192.0.2.10", 0, false, rslv))
	want := []sip.Target{{Transport: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.10:5060")}}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}

	got = slices.Collect(sip.RequestAddrs(t.Context(), "192.0.2.10", 0, true, rslv))
	want = []sip.Target{{Transport: sip.TransportTLS, Addr: netip.MustParseAddrPort("192.0.2.10:5061")}}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("secured targets mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_ExplicitPort(t *testing.T) {
	t.Parallel()

	rslv := &stubResolver{
		ips: map[string][]net.IP{
			"proxy.example.com": {net.ParseIP("192.0.2.20").To4()},
		},
	}

	got := slices.Collect(sip.RequestAddrs(t.Context(), "proxy.example.com", 5080, false, rslv))
	want := []sip.Target{{Transport: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.20:5080")}}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_NAPTR(t *testing.T) {
	t.Parallel()

	rslv := &stubResolver{
		naptrs: map[string][]*dns.NAPTR{
			"example.com": {
				{Order: 10, Preference: 50, Flags: "s", Service: "SIP+D2T", Replacement: "_sip._tcp.example.com."},
				{Order: 20, Preference: 50, Flags: "s", Service: "SIP+D2U", Replacement: "_sip._udp.example.com."},
			},
		},
		srvs: map[string][]*dns.SRV{
			"_sip._tcp.example.com.": {{Target: "sip1.example.com", Port: 5060, Priority: 10, Weight: 10}},
			"_sip._udp.example.com.": {{Target: "sip2.example.com", Port: 5062, Priority: 10, Weight: 10}},
		},
		ips: map[string][]net.IP{
			"sip1.example.com": {net.ParseIP("192.0.2.1").To4()},
			"sip2.example.com": {net.ParseIP("192.0.2.2").To4()},
		},
	}

	got := slices.Collect(sip.RequestAddrs(t.Context(), "example.com", 0, false, rslv))
	want := []sip.Target{
		{Transport: sip.TransportTCP, Addr: netip.MustParseAddrPort("192.0.2.1:5060")},
		{Transport: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.2:5062")},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_SRVFallback(t *testing.T) {
	t.Parallel()

	rslv := &stubResolver{
		srvs: map[string][]*dns.SRV{
			"fallback.example.com": {
				{Target: "b.example.com", Port: 5060, Priority: 20, Weight: 10},
				{Target: "a.example.com", Port: 5060, Priority: 10, Weight: 10},
			},
		},
		ips: map[string][]net.IP{
			"a.example.com": {net.ParseIP("192.0.2.3").To4()},
			"b.example.com": {net.ParseIP("192.0.2.4").To4()},
		},
	}

	got := slices.Collect(sip.RequestAddrs(t.Context(), "fallback.example.com", 0, false, rslv))
	want := []sip.Target{
		{Transport: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.3:5060")},
		{Transport: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.4:5060")},
	}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestAddrs_AddressFallback(t *testing.T) {
	t.Parallel()

	rslv := &stubResolver{
		ips: map[string][]net.IP{
			"plain.example.com": {net.ParseIP("192.0.2.5").To4()},
		},
	}

	got := slices.Collect(sip.RequestAddrs(t.Context(), "plain.example.com", 0, false, rslv))
	want := []sip.Target{{Transport: sip.TransportUDP, Addr: netip.MustParseAddrPort("192.0.2.5:5060")}}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Fatalf("targets mismatch (-want +got):\n%s", diff)
	}

	if target := want[0]; target.Reliable() {
		t.Fatal("UDP target reported reliable")
	}
}
