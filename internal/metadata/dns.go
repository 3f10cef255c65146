package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

type DNSRecords struct {
	A     []string `json:"a"`
	AAAA  []string `json:"aaaa,omitempty"`
	CNAME string   `json:"cname,omitempty"`
}

// Resolver queries one upstream DNS server directly so results do not
// depend on the host's resolv.conf.
type Resolver struct {
	client *dns.Client
	server string
}

func NewResolver(server string, timeout time.Duration) *Resolver {
	if server == "" {
		server = "1.1.1.1:53"
	}
	if !strings.Contains(server, ":") {
		server += ":53"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{client: &dns.Client{Timeout: timeout}, server: server}
}

func (r *Resolver) query(ctx context.Context, domain string, qtype uint16) ([]dns.RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("dns %s %s: %w", dns.TypeToString[qtype], domain, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns %s %s: %s", dns.TypeToString[qtype], domain, dns.RcodeToString[resp.Rcode])
	}
	return resp.Answer, nil
}

// Lookup returns the A, AAAA and CNAME answers for domain.
func (r *Resolver) Lookup(ctx context.Context, domain string) (*DNSRecords, error) {
	records := &DNSRecords{A: []string{}}

	answers, err := r.query(ctx, domain, dns.TypeA)
	if err != nil {
		return nil, err
	}
	for _, rr := range answers {
		switch v := rr.(type) {
		case *dns.A:
			records.A = append(records.A, v.A.String())
		case *dns.CNAME:
			records.CNAME = strings.TrimSuffix(v.Target, ".")
		}
	}

	if answers, err := r.query(ctx, domain, dns.TypeAAAA); err == nil {
		for _, rr := range answers {
			if v, ok := rr.(*dns.AAAA); ok {
				records.AAAA = append(records.AAAA, v.AAAA.String())
			}
		}
	}
	return records, nil
}
