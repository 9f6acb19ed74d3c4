package probe

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// DNSClass is a coarse classification of how a host name resolves.
type DNSClass string

const (
	DNSResolves    DNSClass = "RESOLVES"
	DNSNXDomain    DNSClass = "NXDOMAIN"
	DNSNoARecord   DNSClass = "NO_A_RECORD"
	DNSServFail    DNSClass = "SERVFAIL_or_TIMEOUT"
	DNSInvalidName DNSClass = "INVALID_NAME"
)

// DNSStatus explains an unreachable observation; it is diagnostic only and
// never part of the published observation.
type DNSStatus struct {
	Domain        string
	Class         DNSClass
	IPs           []net.IP
	CNAME         string
	Nameservers   []string
	ResolverError string
}

var dnsTimeout = 3 * time.Second

// Resolver is the subset of *net.Resolver CheckDNS needs.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// CheckDNS classifies domain using the OS resolver.
func CheckDNS(ctx context.Context, domain string) DNSStatus {
	return checkDNS(ctx, net.DefaultResolver, domain)
}

func checkDNS(ctx context.Context, r Resolver, domain string) DNSStatus {
	s := DNSStatus{Domain: strings.TrimSpace(domain)}
	if s.Domain == "" || strings.Contains(s.Domain, "://") {
		s.Class = DNSInvalidName
		return s
	}
	if ip := net.ParseIP(s.Domain); ip != nil {
		s.IPs = []net.IP{ip}
		s.Class = DNSResolves
		return s
	}

	ctx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	ips, err := r.LookupIP(ctx, "ip", s.Domain)
	switch {
	case err == nil && len(ips) > 0:
		s.IPs = ips
		s.Class = DNSResolves
	case err != nil:
		s.ResolverError = err.Error()
		var de *net.DNSError
		if errors.As(err, &de) {
			if de.IsNotFound {
				s.Class = DNSNXDomain
			} else if de.IsTemporary || de.Timeout() {
				s.Class = DNSServFail
			}
		}
	}

	if cname, err := r.LookupCNAME(ctx, s.Domain); err == nil && !strings.EqualFold(cname, s.Domain+".") {
		s.CNAME = strings.TrimSuffix(cname, ".")
	}

	if ns, err := r.LookupNS(ctx, s.Domain); err == nil && len(ns) > 0 {
		for _, n := range ns {
			s.Nameservers = append(s.Nameservers, strings.TrimSuffix(n.Host, "."))
		}
		if s.Class == DNSNXDomain || s.Class == "" {
			s.Class = DNSNoARecord
		}
	}

	if s.Class == "" {
		if s.ResolverError != "" {
			s.Class = DNSServFail
		} else {
			s.Class = DNSNXDomain
		}
	}
	return s
}
