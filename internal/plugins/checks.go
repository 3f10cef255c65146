package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/leozw/site-healer/internal/core"
	"github.com/leozw/site-healer/internal/remote"
)

// Checks shared by several stacks. Each constructor returns a fresh entry so
// plugins can list them next to their own checks.

func runScript(ctx context.Context, exec core.Executor, t core.Target, script string) (string, error) {
	return exec.Execute(ctx, t.ServerID, RenderCommand(script, t), checkTimeout)
}

func runFacts(ctx context.Context, exec core.Executor, t core.Target, script string) (map[string]string, error) {
	out, err := runScript(ctx, exec, t, "cd {{path}} || exit 1\n"+script)
	if err != nil {
		return nil, err
	}
	return remote.ParseFacts(out), nil
}

func passed(msg string, details map[string]interface{}) checkOutcome {
	return checkOutcome{status: core.CheckPass, message: msg, details: details}
}

func warned(msg, fix string, details map[string]interface{}) checkOutcome {
	return checkOutcome{status: core.CheckWarn, message: msg, fix: fix, details: details}
}

func failed(msg, fix string, details map[string]interface{}) checkOutcome {
	return checkOutcome{status: core.CheckFail, message: msg, fix: fix, details: details}
}

func diskSpaceCheck() check {
	return check{
		name:     "disk_space",
		category: "resources",
		severity: core.SeverityHigh,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			out, err := runScript(ctx, exec, t, "df -P {{path}} | awk 'NR==2 {print $5}' | tr -d '%'")
			if err != nil {
				return checkOutcome{}, err
			}
			used, err := strconv.Atoi(strings.TrimSpace(out))
			if err != nil {
				return checkOutcome{}, fmt.Errorf("unexpected df output %q", strings.TrimSpace(out))
			}
			details := map[string]interface{}{"used_percent": used}
			switch {
			case used >= 95:
				o := failed(fmt.Sprintf("Disk is %d%% full", used), "", details)
				o.severity = core.SeverityCritical
				return o, nil
			case used >= 85:
				return warned(fmt.Sprintf("Disk is %d%% full", used), "", details), nil
			}
			return passed(fmt.Sprintf("Disk usage at %d%%", used), details), nil
		},
	}
}

// httpResponseCheck requests the target domain over HTTPS and grades the
// final status code.
func httpResponseCheck() check {
	return check{
		name:     "http_response",
		category: "availability",
		severity: core.SeverityCritical,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			out, err := runScript(ctx, exec, t,
				`curl -s -o /dev/null -w '%{http_code}' -m 15 -L "https://"{{domain}} || true`)
			if err != nil {
				return checkOutcome{}, err
			}
			code, err := strconv.Atoi(strings.TrimSpace(out))
			if err != nil {
				return checkOutcome{}, fmt.Errorf("unexpected curl output %q", strings.TrimSpace(out))
			}
			details := map[string]interface{}{"status_code": code, "url": "https://" + t.Domain}
			switch {
			case code == 0:
				return failed("Site is unreachable", "", details), nil
			case code >= 500:
				return failed(fmt.Sprintf("Site returned HTTP %d", code), "", details), nil
			case code >= 400:
				return warned(fmt.Sprintf("Site returned HTTP %d", code), "", details), nil
			}
			return passed(fmt.Sprintf("Site responded with HTTP %d", code), details), nil
		},
	}
}

// errorLogCheck counts matching lines in the tail of a log file relative to
// the application root. A missing log passes.
func errorLogCheck(name, file, pattern, fix string) check {
	return check{
		name:     name,
		category: "logs",
		severity: core.SeverityMedium,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			script := fmt.Sprintf(
				"if [ -f %[1]s ]; then echo LOG=1; echo COUNT=$(tail -n 500 %[1]s | grep -ciE %[2]s); else echo LOG=0; fi",
				remote.Quote(file), remote.Quote(pattern))
			facts, err := runFacts(ctx, exec, t, script)
			if err != nil {
				return checkOutcome{}, err
			}
			if facts["LOG"] != "1" {
				return passed("No log file at "+file, nil), nil
			}
			count, _ := strconv.Atoi(facts["COUNT"])
			details := map[string]interface{}{"file": file, "recent_errors": count}
			switch {
			case count >= 10:
				return failed(fmt.Sprintf("%d recent errors in %s", count, file), fix, details), nil
			case count > 0:
				return warned(fmt.Sprintf("%d recent errors in %s", count, file), fix, details), nil
			}
			return passed("No recent errors in "+file, details), nil
		},
	}
}

// filesPresentCheck fails when any of files is missing under the root.
func filesPresentCheck(name, category string, severity core.Severity, fix string, files ...string) check {
	return check{
		name:     name,
		category: category,
		severity: severity,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			keys := make(map[string]string, len(files))
			for i, f := range files {
				keys[fmt.Sprintf("F%d", i)] = f
			}
			facts, err := runFacts(ctx, exec, t, existsScript(keys))
			if err != nil {
				return checkOutcome{}, err
			}
			var missing []string
			for i, f := range files {
				if facts[fmt.Sprintf("F%d", i)] != "1" {
					missing = append(missing, f)
				}
			}
			if len(missing) > 0 {
				return failed("Missing "+strings.Join(missing, ", "), fix,
					map[string]interface{}{"missing": missing}), nil
			}
			return passed("All required files present", map[string]interface{}{"files": files}), nil
		},
	}
}

// permissionsCheck warns when file is readable by other users.
func permissionsCheck(name, file, fix string) check {
	return check{
		name:     name,
		category: "security",
		severity: core.SeverityHigh,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t, fmt.Sprintf(
				"if [ -e %[1]s ]; then echo MODE=$(stat -c '%%a' %[1]s); else echo MODE=; fi", remote.Quote(file)))
			if err != nil {
				return checkOutcome{}, err
			}
			mode := facts["MODE"]
			if mode == "" {
				return failed(file+" not found", "", nil), nil
			}
			details := map[string]interface{}{"file": file, "mode": mode}
			if worldReadable(mode) {
				return warned(fmt.Sprintf("%s is world readable (%s)", file, mode), fix, details), nil
			}
			return passed(fmt.Sprintf("%s permissions are %s", file, mode), details), nil
		},
	}
}

func worldReadable(mode string) bool {
	if mode == "" {
		return false
	}
	other := mode[len(mode)-1]
	return other >= '4' && other <= '7'
}

// configFlagCheck warns when a production flag is switched on. grepPattern
// is an extended regex run against file.
func configFlagCheck(name, file, grepPattern, message string) check {
	return check{
		name:     name,
		category: "security",
		severity: core.SeverityMedium,
		run: func(ctx context.Context, exec core.Executor, t core.Target) (checkOutcome, error) {
			facts, err := runFacts(ctx, exec, t, fmt.Sprintf(
				"if [ ! -f %[1]s ]; then echo FLAG=missing; elif grep -qiE %[2]s %[1]s; then echo FLAG=on; else echo FLAG=off; fi",
				remote.Quote(file), remote.Quote(grepPattern)))
			if err != nil {
				return checkOutcome{}, err
			}
			switch facts["FLAG"] {
			case "on":
				return warned(message, "", map[string]interface{}{"file": file}), nil
			case "missing":
				return warned(file+" not found", "", nil), nil
			}
			return passed("Debug output disabled", nil), nil
		},
	}
}
