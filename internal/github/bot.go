package github

import "strings"

// botPrefixes are automation accounts that do not always carry the [bot]
// suffix (legacy app users, mirrored accounts). A prefix matches the whole
// login or a login continuing with "-", so humans like "copilotfan" pass.
var botPrefixes = []string{
	"dependabot",
	"renovate",
	"github-actions",
	"codecov",
	"greenkeeper",
	"snyk-bot",
	"imgbot",
	"allcontributors",
	"mergify",
	"netlify",
	"vercel",
	"sonarcloud",
	"pre-commit-ci",
	"coderabbitai",
	"copilot",
}

// IsBot reports whether login looks like an automation account, judged by
// the login alone.
func IsBot(login string) bool {
	l := strings.ToLower(strings.TrimSpace(login))
	if l == "" {
		return false
	}
	if strings.HasSuffix(l, "[bot]") || strings.HasSuffix(l, "-bot") {
		return true
	}
	for _, p := range botPrefixes {
		if l == p || strings.HasPrefix(l, p+"-") {
			return true
		}
	}
	return false
}
