package executor

import "regexp"

// destructivePatterns screens a translated shell command before execution
// (§4.2 step 7: "screen the translated command against a destructive-pattern
// deny list (literal patterns plus common idioms such as
// base64-piped-to-shell); fail fast on match"). This is not a sandbox — an
// admin-role caller is still trusted per §1's non-goals ("sandboxing against
// adversarial admin-role commands" is explicitly out of scope) — it exists to
// catch obviously destructive translator output before it runs.
var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`rm\s+-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`), // fork bomb
	regexp.MustCompile(`mkfs(\.\w+)?\s`),
	regexp.MustCompile(`dd\s+.*of=/dev/(sd|nvme|hd|xvd)`),
	regexp.MustCompile(`>\s*/dev/(sd|nvme|hd|xvd)`),
	regexp.MustCompile(`base64\s+(-d|--decode)[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	regexp.MustCompile(`curl\s[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	regexp.MustCompile(`wget\s[^|]*\|\s*(sudo\s+)?(sh|bash|zsh)\b`),
	regexp.MustCompile(`chmod\s+-R\s+777\s+/(\s|$)`),
	regexp.MustCompile(`:\s*>\s*/etc/(passwd|shadow)\b`),
}

// ScreenCommand reports the first destructive pattern a translated command
// matches, if any.
func ScreenCommand(command string) (pattern string, blocked bool) {
	for _, re := range destructivePatterns {
		if re.MatchString(command) {
			return re.String(), true
		}
	}
	return "", false
}
