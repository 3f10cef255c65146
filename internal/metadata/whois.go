package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
)

type Registration struct {
	Registrar    string     `json:"registrar,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DaysToExpiry int        `json:"days_to_expiry,omitempty"`
	NameServers  []string   `json:"name_servers,omitempty"`
}

type WHOISClient struct {
	client *whois.Client
	now    func() time.Time
}

func NewWHOISClient(timeout time.Duration) *WHOISClient {
	c := whois.NewClient()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return &WHOISClient{client: c, now: time.Now}
}

// Lookup queries the registry for the registrable part of domain.
func (w *WHOISClient) Lookup(ctx context.Context, domain string) (*Registration, error) {
	type answer struct {
		raw string
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		raw, err := w.client.Whois(RegistrableDomain(domain))
		ch <- answer{raw, err}
	}()

	var raw string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return nil, fmt.Errorf("whois lookup failed: %w", a.err)
		}
		raw = a.raw
	}

	info, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("whois parse failed: %w", err)
	}
	return registrationFrom(info, w.now()), nil
}

func registrationFrom(info whoisparser.WhoisInfo, now time.Time) *Registration {
	reg := &Registration{}
	if info.Registrar != nil {
		reg.Registrar = info.Registrar.Name
	}
	if info.Domain == nil {
		return reg
	}
	reg.NameServers = info.Domain.NameServers
	if info.Domain.ExpirationDate != "" {
		if t, err := parseWhoisDate(info.Domain.ExpirationDate); err == nil {
			reg.ExpiresAt = &t
			reg.DaysToExpiry = int(t.Sub(now).Hours() / 24)
		}
	}
	return reg
}

func parseWhoisDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02-Jan-2006",
		"2006.01.02 15:04:05",
		"2006/01/02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}

// RegistrableDomain keeps the last two labels, or three for common
// second-level registries such as co.uk or com.br.
func RegistrableDomain(domain string) string {
	labels := strings.Split(strings.TrimSuffix(strings.ToLower(domain), "."), ".")
	if len(labels) <= 2 {
		return strings.Join(labels, ".")
	}
	n := 2
	switch labels[len(labels)-2] {
	case "co", "com", "net", "org", "gov", "edu", "ac":
		if len(labels[len(labels)-1]) == 2 {
			n = 3
		}
	}
	return strings.Join(labels[len(labels)-n:], ".")
}
