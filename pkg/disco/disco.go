// Copyright 2026 The Iceflow Authors, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package disco discovers STUN and TURN servers for a domain through DNS
// SRV records (RFC 5389 §9, RFC 8656 §3).
package disco

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"iceflow/pkg/iceerrors"
)

// Service is one discovered STUN/TURN endpoint.
type Service struct {
	Kind     string // "stun" or "turn"
	Proto    string // "udp" or "tcp"
	Target   string // SRV target host
	Port     int
	Priority int
	Addrs    []netip.Addr
}

// Resolver queries one DNS server for service records.
type Resolver struct {
	server  string
	client  *dns.Client
	timeout time.Duration
}

// NewResolver creates a resolver against a "host:53" DNS server. An empty
// server uses the system configuration from /etc/resolv.conf.
func NewResolver(server string) (*Resolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return nil, fmt.Errorf("disco: no dns server configured: %w", err)
		}
		server = conf.Servers[0] + ":" + conf.Port
	}
	return &Resolver{
		server:  server,
		client:  &dns.Client{Timeout: 3 * time.Second},
		timeout: 3 * time.Second,
	}, nil
}

// LookupServices queries the _stun._udp, _turn._udp and _turn._tcp SRV
// records of domain and resolves each target to addresses. Missing
// records are not an error; an empty result is.
func (r *Resolver) LookupServices(domain string) ([]Service, error) {
	kinds := []struct{ kind, proto string }{
		{"stun", "udp"},
		{"turn", "udp"},
		{"turn", "tcp"},
	}

	var out []Service
	for _, k := range kinds {
		name := fmt.Sprintf("_%s._%s.%s", k.kind, k.proto, dns.Fqdn(domain))
		srvs, err := r.lookupSRV(name)
		if err != nil {
			continue
		}
		for _, srv := range srvs {
			svc := Service{
				Kind:     k.kind,
				Proto:    k.proto,
				Target:   srv.Target,
				Port:     int(srv.Port),
				Priority: int(srv.Priority),
			}
			svc.Addrs = r.lookupHost(srv.Target)
			out = append(out, svc)
		}
	}

	if len(out) == 0 {
		return nil, iceerrors.ErrNoSRVRecords
	}
	return out, nil
}

func (r *Resolver) lookupSRV(name string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	resp, _, err := r.client.Exchange(m, r.server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("disco: srv query %s: rcode %d", name, resp.Rcode)
	}

	var out []*dns.SRV
	for _, rr := range resp.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			out = append(out, srv)
		}
	}
	return out, nil
}

func (r *Resolver) lookupHost(target string) []netip.Addr {
	var addrs []netip.Addr

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(target), qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.Exchange(m, r.server)
		if err != nil || resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(v.A); ok {
					addrs = append(addrs, ip.Unmap())
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(v.AAAA); ok {
					addrs = append(addrs, ip)
				}
			}
		}
	}
	return addrs
}
