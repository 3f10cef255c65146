package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/remote"
	"go.uber.org/zap"
)

const (
	cpanelDomainsFile     = "/etc/trueuserdomains"
	cpanelUserDataDomains = "/etc/userdatadomains"
	cpanelUserDataDir     = "/var/cpanel/userdata"

	defaultChunkSize = 50
	listTimeout      = 60 * time.Second
)

// CPanelStrategy reads the control panel's domain registry instead of
// walking the filesystem, so subdirectories are never mistaken for sites.
type CPanelStrategy struct {
	exec      core.Executor
	logger    *zap.Logger
	chunkSize int
}

func NewCPanelStrategy(exec core.Executor, logger *zap.Logger, chunkSize int) *CPanelStrategy {
	if chunkSize <= 0 || chunkSize > defaultChunkSize {
		chunkSize = defaultChunkSize
	}
	return &CPanelStrategy{exec: exec, logger: logger.Named("cpanel"), chunkSize: chunkSize}
}

func (s *CPanelStrategy) Name() string { return "cpanel" }

func (s *CPanelStrategy) Available(ctx context.Context, serverID string) (bool, error) {
	out, err := s.exec.Execute(ctx, serverID,
		fmt.Sprintf("if [ -r %s ]; then echo CPANEL=1; else echo CPANEL=0; fi", cpanelDomainsFile), listTimeout)
	if err != nil {
		return false, err
	}
	return remote.ParseFacts(out)["CPANEL"] == "1", nil
}

type domainOwner struct {
	domain string
	owner  string
}

func (s *CPanelStrategy) Candidates(ctx context.Context, serverID string, opts Options) ([]Candidate, error) {
	out, err := s.exec.Execute(ctx, serverID, "cat "+cpanelDomainsFile, listTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain registry: %w", err)
	}
	owners := parseTrueUserDomains(out)
	s.logger.Info("Read control panel domain registry",
		zap.String("server_id", serverID),
		zap.Int("domains", len(owners)),
	)

	var candidates []Candidate
	for start := 0; start < len(owners); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(owners) {
			end = len(owners)
		}
		resolved, err := s.resolveDocroots(ctx, serverID, owners[start:end])
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, resolved...)
	}

	related, err := s.relatedDomains(ctx, serverID)
	if err != nil {
		// Related domains are enrichment; the primary list stands on its own.
		s.logger.Warn("Failed to read related domains", zap.String("server_id", serverID), zap.Error(err))
	}
	for i := range candidates {
		candidates[i].Related = related[candidates[i].Domain]
	}

	return mergeSamePath(candidates), nil
}

// parseTrueUserDomains reads "domain: owner" lines, dropping entries whose
// domain has no dot.
func parseTrueUserDomains(out string) []domainOwner {
	var owners []domainOwner
	seen := make(map[string]bool)
	for _, line := range remote.Lines(out) {
		domain, owner, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		domain = strings.ToLower(strings.TrimSpace(domain))
		owner = strings.TrimSpace(owner)
		if owner == "" || !strings.Contains(domain, ".") || seen[domain] {
			continue
		}
		seen[domain] = true
		owners = append(owners, domainOwner{domain: domain, owner: owner})
	}
	return owners
}

// docrootScript resolves every pair in one remote call, falling back to
// ~/public_html when the userdata file has no documentroot.
func docrootScript(pairs []domainOwner) string {
	var b strings.Builder
	b.WriteString("for pair in")
	for _, p := range pairs {
		b.WriteString(" ")
		b.WriteString(remote.Quote(p.domain + ":" + p.owner))
	}
	fmt.Fprintf(&b, `; do
  d=${pair%%%%:*}; u=${pair#*:}
  r=$(grep -m1 '^documentroot:' "%s/$u/$d" 2>/dev/null | awk '{print $2}')
  [ -z "$r" ] && r="/home/$u/public_html"
  echo "$d|$u|$r"
done`, cpanelUserDataDir)
	return b.String()
}

func (s *CPanelStrategy) resolveDocroots(ctx context.Context, serverID string, pairs []domainOwner) ([]Candidate, error) {
	out, err := s.exec.Execute(ctx, serverID, docrootScript(pairs), listTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve document roots: %w", err)
	}
	var candidates []Candidate
	for _, line := range remote.Lines(out) {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 || parts[2] == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			Domain: parts[0],
			Owner:  parts[1],
			Path:   strings.TrimSuffix(parts[2], "/"),
			Stack:  core.StackUnknown,
		})
	}
	return candidates, nil
}

func (s *CPanelStrategy) relatedDomains(ctx context.Context, serverID string) (map[string]core.RelatedDomains, error) {
	out, err := s.exec.Execute(ctx, serverID, "cat "+cpanelUserDataDomains+" 2>/dev/null || true", listTimeout)
	if err != nil {
		return nil, err
	}
	return parseUserDataDomains(out), nil
}

// parseUserDataDomains reads lines of the form
// "domain: user==owner==type==maindomain==docroot==..." and groups
// sub, addon and parked entries by their main domain.
func parseUserDataDomains(out string) map[string]core.RelatedDomains {
	related := make(map[string]core.RelatedDomains)
	for _, line := range remote.Lines(out) {
		domain, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Split(strings.TrimSpace(rest), "==")
		if len(fields) < 5 {
			continue
		}
		var rel core.Relation
		switch fields[2] {
		case "sub":
			rel = core.RelationSubdomain
		case "addon":
			rel = core.RelationAddon
		case "parked":
			rel = core.RelationParked
		default:
			continue
		}
		domain = strings.ToLower(strings.TrimSpace(domain))
		if !strings.Contains(domain, ".") {
			continue
		}
		mainDomain := strings.ToLower(fields[3])
		related[mainDomain] = append(related[mainDomain], core.RelatedDomain{
			Domain:       domain,
			Path:         strings.TrimSuffix(fields[4], "/"),
			Relation:     rel,
			TechStack:    core.StackUnknown,
			HealthStatus: core.HealthUnknown,
			HealingMode:  core.HealingManual,
		})
	}
	return related
}

// mergeSamePath keeps one candidate per document root. Later primaries
// sharing a root are attached to the first as parked domains.
func mergeSamePath(candidates []Candidate) []Candidate {
	index := make(map[string]int)
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if i, ok := index[c.Path]; ok {
			out[i].Related = append(out[i].Related, core.RelatedDomain{
				Domain:       c.Domain,
				Path:         c.Path,
				Relation:     core.RelationParked,
				TechStack:    core.StackUnknown,
				HealthStatus: core.HealthUnknown,
				HealingMode:  core.HealingManual,
			})
			continue
		}
		index[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
