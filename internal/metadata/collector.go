// Package metadata gathers per-application facts that are not needed for
// classification: runtime versions, disk usage, ownership, DNS answers and
// registration expiry.
package metadata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/remote"
	"go.uber.org/zap"
)

const collectTimeout = 2 * time.Minute

type DNSLookup interface {
	Lookup(ctx context.Context, domain string) (*DNSRecords, error)
}

type RegistrationLookup interface {
	Lookup(ctx context.Context, domain string) (*Registration, error)
}

type EndpointLookup interface {
	Probe(ctx context.Context, domain string) (*Endpoint, error)
}

// Collector writes its findings into Application.Metadata. Any lookup may be
// nil, in which case that part is skipped.
type Collector struct {
	exec    core.Executor
	apps    core.ApplicationRepository
	dns     DNSLookup
	whois   RegistrationLookup
	probe   EndpointLookup
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewCollector(exec core.Executor, apps core.ApplicationRepository, dns DNSLookup, whois RegistrationLookup, logger *zap.Logger, lookupTimeout time.Duration) *Collector {
	if lookupTimeout <= 0 {
		lookupTimeout = 10 * time.Second
	}
	return &Collector{
		exec:    exec,
		apps:    apps,
		dns:     dns,
		whois:   whois,
		logger:  logger.Named("metadata"),
		timeout: lookupTimeout,
		now:     time.Now,
	}
}

// WithEndpointProbe enables the outside-in HTTP and TLS probe.
func (c *Collector) WithEndpointProbe(p EndpointLookup) *Collector {
	c.probe = p
	return c
}

// hostScript reports facts about one document root in a single round trip.
func hostScript(path string) string {
	return fmt.Sprintf(`cd %s 2>/dev/null || { echo DIR_EXISTS=0; exit 0; }
echo DIR_EXISTS=1
echo OWNER=$(stat -c '%%U' . 2>/dev/null)
echo DISK_KB=$(du -sk . 2>/dev/null | cut -f1)
echo PHP_VERSION=$(php -r 'echo PHP_VERSION;' 2>/dev/null)
echo NODE_VERSION=$(node -v 2>/dev/null | sed 's/^v//')
echo FILES=$(find . -xdev -type f 2>/dev/null | wc -l)`, remote.Quote(path))
}

// HostFacts is the parsed output of hostScript.
type HostFacts struct {
	Owner       string `json:"owner,omitempty"`
	DiskKB      int64  `json:"disk_kb"`
	Files       int64  `json:"files"`
	PHPVersion  string `json:"php_version,omitempty"`
	NodeVersion string `json:"node_version,omitempty"`
}

func parseHostFacts(out string) (HostFacts, bool) {
	facts := remote.ParseFacts(out)
	if facts["DIR_EXISTS"] != "1" {
		return HostFacts{}, false
	}
	disk, _ := strconv.ParseInt(facts["DISK_KB"], 10, 64)
	files, _ := strconv.ParseInt(facts["FILES"], 10, 64)
	return HostFacts{
		Owner:       facts["OWNER"],
		DiskKB:      disk,
		Files:       files,
		PHPVersion:  facts["PHP_VERSION"],
		NodeVersion: facts["NODE_VERSION"],
	}, true
}

// Collect refreshes the metadata of one application. Remote failures are
// returned; DNS and WHOIS failures are logged and recorded in the metadata.
func (c *Collector) Collect(ctx context.Context, appID string) (*core.Application, error) {
	app, err := c.apps.GetApplication(ctx, appID)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With(zap.String("application_id", app.ID), zap.String("domain", app.Domain))

	out, err := c.exec.Execute(ctx, app.ServerID, hostScript(app.Path), collectTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to collect host facts: %w", err)
	}
	host, ok := parseHostFacts(out)
	if !ok {
		return nil, fmt.Errorf("document root %s: %w", app.Path, core.ErrNotFound)
	}

	// Only the keys collected here are written back; discovery owns the rest.
	collected := core.JSONB{"host": host}
	lookupErrors := map[string]string{}

	domains := []string{app.Domain}
	for _, rd := range app.RelatedDomains {
		domains = append(domains, rd.Domain)
	}

	if c.dns != nil {
		records := map[string]*DNSRecords{}
		for _, d := range domains {
			lctx, cancel := context.WithTimeout(ctx, c.timeout)
			r, err := c.dns.Lookup(lctx, d)
			cancel()
			if err != nil {
				logger.Debug("DNS lookup failed", zap.String("lookup_domain", d), zap.Error(err))
				lookupErrors["dns:"+d] = err.Error()
				continue
			}
			records[d] = r
		}
		collected["dns"] = records
	}

	if c.probe != nil {
		endpoints := map[string]*Endpoint{}
		for _, d := range domains {
			lctx, cancel := context.WithTimeout(ctx, c.timeout)
			ep, err := c.probe.Probe(lctx, d)
			cancel()
			if err != nil {
				logger.Debug("Endpoint probe failed", zap.String("lookup_domain", d), zap.Error(err))
				lookupErrors["http:"+d] = err.Error()
				continue
			}
			endpoints[d] = ep
		}
		collected["endpoints"] = endpoints
	}

	if c.whois != nil {
		lctx, cancel := context.WithTimeout(ctx, c.timeout)
		reg, err := c.whois.Lookup(lctx, app.Domain)
		cancel()
		if err != nil {
			logger.Debug("WHOIS lookup failed", zap.Error(err))
			lookupErrors["whois"] = err.Error()
		} else {
			collected["registration"] = reg
		}
	}

	collected["lookup_errors"] = lookupErrors
	collected["collected_at"] = c.now().UTC().Format(time.RFC3339)

	if err := c.apps.MergeMetadata(ctx, app.ID, collected); err != nil {
		return nil, fmt.Errorf("failed to store metadata: %w", err)
	}
	if app.Metadata == nil {
		app.Metadata = core.JSONB{}
	}
	for k, v := range collected {
		app.Metadata[k] = v
	}
	logger.Info("Metadata collected",
		zap.Int64("disk_kb", host.DiskKB),
		zap.Int("lookup_errors", len(lookupErrors)),
	)
	return app, nil
}
