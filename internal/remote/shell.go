package remote

import (
	"bufio"
	"strings"
)

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ParseFacts reads KEY=value lines emitted by probe scripts. Lines without
// '=' are ignored; later keys win.
func ParseFacts(out string) map[string]string {
	facts := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			continue
		}
		facts[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return facts
}

// Lines splits command output into trimmed non-empty lines.
func Lines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func preview(command string, limit int) string {
	command = strings.Join(strings.Fields(command), " ")
	if limit <= 0 || len(command) <= limit {
		return command
	}
	return command[:limit] + "..."
}
