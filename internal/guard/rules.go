package guard

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Request origins. Only user_action and pipeline are trusted; everything
// that originates from agent-produced content is rejected outright.
const (
	OriginUserAction = "user_action"
	OriginPipeline   = "pipeline"
	OriginExternal   = "external"
	OriginAIOutput   = "ai_output"
)

// blockedCommands are denied regardless of policy: destructive,
// privilege-escalating, shell-spawning, and remote-transfer utilities.
// Matched case-insensitively against the basename with executable
// suffixes stripped.
var blockedCommands = map[string]bool{
	"rm": true, "rmdir": true, "del": true, "rd": true, "shred": true, "srm": true,
	"dd": true, "mkfs": true, "fdisk": true, "parted": true, "diskpart": true,
	"format": true, "mkswap": true,
	"chmod": true, "chown": true, "chgrp": true,
	"sudo": true, "su": true, "doas": true, "runas": true,
	"sh": true, "bash": true, "zsh": true, "ksh": true, "csh": true,
	"tcsh": true, "dash": true, "fish": true, "pwsh": true, "powershell": true, "cmd": true,
	"eval": true, "exec": true, "source": true, "xargs": true, "env": true, "crontab": true,
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true, "socat": true,
	"telnet": true, "ftp": true, "tftp": true, "scp": true, "sftp": true, "ssh": true, "rsync": true,
	"kill": true, "killall": true, "pkill": true,
	"shutdown": true, "reboot": true, "halt": true, "poweroff": true,
	"mount": true, "umount": true, "iptables": true,
}

var executableSuffixes = []string{".exe", ".bat", ".cmd", ".com", ".ps1"}

// defaultAllowedCommands applies when a policy carries no allow-list. An
// empty policy list is conservative, not permissive.
var defaultAllowedCommands = []string{
	"git", "claude",
	"ls", "pwd", "cat", "head", "tail", "grep", "rg", "find",
	"wc", "diff", "sort", "uniq", "cut", "tr", "echo", "printf",
	"which", "file", "stat", "du", "mkdir", "touch", "cp",
	"go", "gofmt", "node", "npm", "npx", "yarn", "pnpm",
	"python", "python3", "pip", "pip3", "pytest",
	"make", "cargo", "rustc", "tsc", "jest", "vitest", "eslint", "prettier",
}

// dangerousPatterns are scanned over the full command line after the
// allow-list passes, catching destructive payloads smuggled into the
// arguments of an otherwise allowed command.
var dangerousPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`\$\(`), "command substitution"},
	{regexp.MustCompile("`"), "backtick substitution"},
	{regexp.MustCompile(`\|\s*(sh|bash|zsh|dash|ksh|fish)\b`), "piping into a shell"},
	{regexp.MustCompile(`>+\s*/(etc|bin|boot|dev|lib|proc|root|sbin|sys|usr|var)(/|\s|$)`), "redirection into a system directory"},
	{regexp.MustCompile(`(;|&&|\|\|)\s*(rm|mkfs|dd|shred|chmod|chown)\b`), "chained destructive command"},
	{regexp.MustCompile(`\brm\s+(-\w+\s+)*/(\s|$)`), "removal of the filesystem root"},
}

// normalizeCommand reduces a command to its comparable basename: path
// stripped (either separator), lowercased, executable suffix removed.
func normalizeCommand(command string) string {
	base := path.Base(strings.ReplaceAll(command, "\\", "/"))
	base = strings.ToLower(base)
	for _, suffix := range executableSuffixes {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return base
}

// isBlockedCommand reports whether the command's normalized basename is on
// the block-list.
func isBlockedCommand(command string) bool {
	return blockedCommands[normalizeCommand(command)]
}

// matchesAllowList reports whether the command is permitted by the given
// allow-list, falling back to the built-in defaults when the list is
// empty. An entry matches by exact command, by basename, or by being a
// multi-word prefix of the full command line ("npm run" permits
// "npm run build").
func matchesAllowList(command string, args []string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = defaultAllowedCommands
	}

	base := path.Base(strings.ReplaceAll(command, "\\", "/"))
	line := commandLine(command, args)

	for _, entry := range allowed {
		if entry == "" {
			continue
		}
		if command == entry || base == entry {
			return true
		}
		if strings.Contains(entry, " ") && (line == entry || strings.HasPrefix(line, entry+" ")) {
			return true
		}
	}
	return false
}

// scanDangerousPatterns checks the full command line against the fixed
// pattern set, returning a description of the first match.
func scanDangerousPatterns(line string) (string, bool) {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(line) {
			return p.desc, true
		}
	}
	return "", false
}

// checkForbiddenPaths resolves every path-looking argument against the
// working directory and tests containment in both directions: an argument
// inside a forbidden path is denied, and so is an argument that contains a
// forbidden path, since operating on an ancestor endangers everything
// under it.
func checkForbiddenPaths(args []string, cwd string, forbidden []string) (string, bool) {
	if len(forbidden) == 0 {
		return "", false
	}

	for _, arg := range args {
		operand, ok := pathOperand(arg)
		if !ok {
			continue
		}
		resolved := resolvePath(operand, cwd)
		for _, f := range forbidden {
			if f == "" {
				continue
			}
			fabs := resolvePath(f, cwd)
			if isSubpath(fabs, resolved) {
				return fmt.Sprintf("path %s is inside forbidden path %s", resolved, fabs), true
			}
			if isSubpath(resolved, fabs) {
				return fmt.Sprintf("path %s contains forbidden path %s", resolved, fabs), true
			}
		}
	}
	return "", false
}

// pathOperand extracts the path-like part of an argument. Flags without a
// value are skipped; --flag=VALUE is unwrapped to VALUE. URLs are not
// paths.
func pathOperand(arg string) (string, bool) {
	if strings.HasPrefix(arg, "-") {
		i := strings.Index(arg, "=")
		if i < 0 {
			return "", false
		}
		arg = arg[i+1:]
	}
	if arg == "" || strings.Contains(arg, "://") {
		return "", false
	}
	if arg == "." || arg == ".." {
		return arg, true
	}
	for _, prefix := range []string{"/", "./", "../", "~/"} {
		if strings.HasPrefix(arg, prefix) {
			return arg, true
		}
	}
	if strings.Contains(arg, "/") {
		return arg, true
	}
	return "", false
}

// resolvePath makes a path absolute relative to cwd and cleans it.
func resolvePath(p, cwd string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(cwd, p))
}

// isSubpath reports whether child equals parent or lives under it.
func isSubpath(parent, child string) bool {
	if parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// commandLine joins a command and its arguments for pattern scanning and
// audit display.
func commandLine(command string, args []string) string {
	if len(args) == 0 {
		return command
	}
	return command + " " + strings.Join(args, " ")
}

// IsCommandLineSafe is a quick boolean check over a raw command line: not
// empty, not a blocked command, no dangerous patterns. It skips the
// policy-dependent steps, so a true result still goes through Validate
// before execution.
func IsCommandLineSafe(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	if isBlockedCommand(fields[0]) {
		return false
	}
	if _, hit := scanDangerousPatterns(line); hit {
		return false
	}
	return true
}

var shellMetaReplacer = strings.NewReplacer(
	";", "", "&", "", "|", "", "`", "", "$", "",
	"(", "", ")", "", "<", "", ">", "", "{", "", "}", "",
	"\n", " ", "\r", " ",
)

// Sanitize strips shell metacharacters from a command line and re-checks
// it. Returns false when the line is still unsafe after stripping.
func Sanitize(line string) (string, bool) {
	cleaned := strings.TrimSpace(shellMetaReplacer.Replace(line))
	if !IsCommandLineSafe(cleaned) {
		return "", false
	}
	return cleaned, true
}
