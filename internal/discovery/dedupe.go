package discovery

import (
	"path"
	"sort"
	"strings"

	"github.com/leozw/site-healer/internal/core"
)

// Candidate is a directory that looks like an application root.
type Candidate struct {
	Path       string
	Domain     string
	Owner      string
	Indicators []string
	Stack      core.StackKind
	Confidence float64
	Related    core.RelatedDomains
}

// Indicator file names searched for by the filesystem strategy.
var indicatorNames = []string{
	"wp-config.php", "wp-content", "wp-includes", "wp-admin",
	"artisan", "composer.json", "package.json", "index.php", "next.config.*",
}

// stackInternals lists the first-level directories a framework ships inside
// its own root. Candidates found there belong to that root.
var stackInternals = map[core.StackKind]map[string]bool{
	core.StackWordPress: {"wp-admin": true, "wp-content": true, "wp-includes": true},
	core.StackLaravel:   {"public": true, "storage": true, "bootstrap": true, "resources": true, "vendor": true},
	core.StackNextJS:    {"public": true, ".next": true, "node_modules": true},
	core.StackNodeJS:    {"node_modules": true},
}

type signature struct {
	stack    core.StackKind
	required []string
	matches  func(has func(string) bool) bool
}

// signatures is ordered by precedence; the first match classifies.
var signatures = []signature{
	{
		stack:    core.StackWordPress,
		required: []string{"wp-config.php", "wp-content", "wp-includes", "wp-admin"},
		matches: func(has func(string) bool) bool {
			return has("wp-config.php") || (has("wp-content") && has("wp-includes"))
		},
	},
	{
		stack:    core.StackLaravel,
		required: []string{"artisan", "composer.json"},
		matches:  func(has func(string) bool) bool { return has("artisan") },
	},
	{
		stack:    core.StackNextJS,
		required: []string{"package.json", "next.config.*"},
		matches:  func(has func(string) bool) bool { return has("next.config.*") },
	},
	{
		stack:    core.StackNodeJS,
		required: []string{"package.json"},
		matches:  func(has func(string) bool) bool { return has("package.json") },
	},
	{
		stack:    core.StackPHPGeneric,
		required: []string{"index.php", "composer.json"},
		matches:  func(has func(string) bool) bool { return has("index.php") || has("composer.json") },
	},
}

// normalizeIndicator folds next.config.js/.mjs/.ts into one name.
func normalizeIndicator(name string) string {
	if strings.HasPrefix(name, "next.config.") {
		return "next.config.*"
	}
	return name
}

// ClassifyIndicators returns the best-guess stack for a set of indicator
// names and confidence = matched required / total required for that stack.
func ClassifyIndicators(indicators []string) (core.StackKind, float64) {
	set := make(map[string]bool, len(indicators))
	for _, i := range indicators {
		set[normalizeIndicator(i)] = true
	}
	has := func(n string) bool { return set[n] }

	for _, sig := range signatures {
		if !sig.matches(has) {
			continue
		}
		matched := 0
		for _, r := range sig.required {
			if has(r) {
				matched++
			}
		}
		return sig.stack, float64(matched) / float64(len(sig.required))
	}
	return core.StackUnknown, 0
}

// GroupIndicators turns a list of found file paths into one candidate per
// parent directory, sorted by path.
func GroupIndicators(found []string) []Candidate {
	byDir := make(map[string]map[string]bool)
	for _, f := range found {
		f = strings.TrimSpace(f)
		if f == "" || !strings.HasPrefix(f, "/") {
			continue
		}
		f = path.Clean(f)
		dir, name := path.Dir(f), path.Base(f)
		if byDir[dir] == nil {
			byDir[dir] = make(map[string]bool)
		}
		byDir[dir][normalizeIndicator(name)] = true
	}

	out := make([]Candidate, 0, len(byDir))
	for dir, names := range byDir {
		c := Candidate{Path: dir, Domain: domainFromPath(dir)}
		for n := range names {
			c.Indicators = append(c.Indicators, n)
		}
		sort.Strings(c.Indicators)
		c.Stack, c.Confidence = ClassifyIndicators(c.Indicators)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// domainFromPath picks the deepest path segment that looks like a host name
// and falls back to the directory name.
func domainFromPath(p string) string {
	segments := strings.Split(strings.Trim(p, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if looksLikeDomain(segments[i]) {
			return strings.ToLower(segments[i])
		}
	}
	if len(segments) > 0 && segments[len(segments)-1] != "" {
		return segments[len(segments)-1]
	}
	return p
}

func looksLikeDomain(s string) bool {
	if !strings.Contains(s, ".") || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !(r == '.' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func isDescendant(child, parent string) bool {
	if parent == "/" {
		return child != "/"
	}
	return strings.HasPrefix(child, parent+"/")
}

func depth(p string) int {
	return strings.Count(strings.TrimSuffix(p, "/"), "/")
}

// Dedupe removes overlapping candidates:
//   - framework internals (wp-content under WordPress, public or storage
//     under Laravel, node_modules under Node) and anything below them,
//     when the enclosing candidate was classified as that stack;
//   - descendants of an already registered application;
//   - ancestors of a registered or more specific surviving candidate.
//
// Candidates equal to a registered path survive so the caller can skip or
// update them. The result is sorted by path and Dedupe is idempotent.
func Dedupe(candidates []Candidate, registered []string) []Candidate {
	filtered := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if insideFramework(c.Path, candidates) {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		di, dj := depth(filtered[i].Path), depth(filtered[j].Path)
		if di != dj {
			return di > dj
		}
		return filtered[i].Path < filtered[j].Path
	})

	seen := make(map[string]bool)
	kept := make([]Candidate, 0, len(filtered))
	for _, c := range filtered {
		if seen[c.Path] {
			continue
		}
		if underAny(c.Path, registered) || aboveAny(c.Path, registered) {
			continue
		}
		ancestor := false
		for _, k := range kept {
			if isDescendant(k.Path, c.Path) {
				ancestor = true
				break
			}
		}
		if ancestor {
			continue
		}
		seen[c.Path] = true
		kept = append(kept, c)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Path < kept[j].Path })
	return kept
}

func insideFramework(p string, candidates []Candidate) bool {
	for _, root := range candidates {
		internals := stackInternals[root.Stack]
		if internals == nil || !isDescendant(p, root.Path) {
			continue
		}
		rel := strings.TrimPrefix(p, strings.TrimSuffix(root.Path, "/")+"/")
		first, _, _ := strings.Cut(rel, "/")
		if internals[first] {
			return true
		}
	}
	return false
}

func underAny(p string, parents []string) bool {
	for _, parent := range parents {
		if isDescendant(p, parent) {
			return true
		}
	}
	return false
}

func aboveAny(p string, children []string) bool {
	for _, child := range children {
		if isDescendant(child, p) {
			return true
		}
	}
	return false
}
