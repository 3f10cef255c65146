package metadata

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"
)

// Endpoint is what a domain looks like from outside the server.
type Endpoint struct {
	URL             string          `json:"url"`
	StatusCode      int             `json:"status_code"`
	ResponseTimeMs  int64           `json:"response_time_ms"`
	BodySize        int64           `json:"body_size"`
	SecurityHeaders SecurityHeaders `json:"security_headers"`
	Certificate     *Certificate    `json:"certificate,omitempty"`
}

type SecurityHeaders struct {
	StrictTransportSecurity bool `json:"strict_transport_security"`
	XContentTypeOptions     bool `json:"x_content_type_options"`
	XFrameOptions           bool `json:"x_frame_options"`
	ContentSecurityPolicy   bool `json:"content_security_policy"`
}

type Certificate struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	ValidTo      time.Time `json:"valid_to"`
	DaysToExpiry int       `json:"days_to_expiry"`
	Protocol     string    `json:"protocol"`
	CipherSuite  string    `json:"cipher_suite"`
}

// EndpointProbe requests a domain over HTTPS, falling back to plain HTTP.
type EndpointProbe struct {
	client *http.Client
	now    func() time.Time
}

func NewEndpointProbe(timeout time.Duration) *EndpointProbe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EndpointProbe{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		now: time.Now,
	}
}

func (p *EndpointProbe) Probe(ctx context.Context, domain string) (*Endpoint, error) {
	ep, err := p.probeURL(ctx, "https://"+domain)
	if err != nil {
		ep, err = p.probeURL(ctx, "http://"+domain)
	}
	return ep, err
}

func (p *EndpointProbe) probeURL(ctx context.Context, url string) (*Endpoint, error) {
	ep := &Endpoint{URL: url}

	var start time.Time
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			ep.ResponseTimeMs = time.Since(start).Milliseconds()
		},
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "SiteHealer/1.0")

	start = time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if ep.ResponseTimeMs == 0 {
		ep.ResponseTimeMs = time.Since(start).Milliseconds()
	}
	ep.StatusCode = resp.StatusCode
	ep.SecurityHeaders = securityHeaders(resp.Header)
	if resp.TLS != nil {
		ep.Certificate = certificateFrom(*resp.TLS, p.now())
	}

	if n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 1024*1024)); err == nil {
		ep.BodySize = n
	}
	return ep, nil
}

func securityHeaders(h http.Header) SecurityHeaders {
	return SecurityHeaders{
		StrictTransportSecurity: h.Get("Strict-Transport-Security") != "",
		XContentTypeOptions:     strings.EqualFold(h.Get("X-Content-Type-Options"), "nosniff"),
		XFrameOptions:           h.Get("X-Frame-Options") != "",
		ContentSecurityPolicy:   h.Get("Content-Security-Policy") != "",
	}
}

func certificateFrom(state tls.ConnectionState, now time.Time) *Certificate {
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	cert := state.PeerCertificates[0]
	return &Certificate{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		ValidTo:      cert.NotAfter,
		DaysToExpiry: int(cert.NotAfter.Sub(now).Hours() / 24),
		Protocol:     tlsVersionString(state.Version),
		CipherSuite:  tls.CipherSuiteName(state.CipherSuite),
	}
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return "Unknown"
	}
}
