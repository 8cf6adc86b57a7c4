// Package safety is the pass/fail content gate applied to inbound events
// before anything is persisted.
package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultExtensions are attachment types that can execute on the
// receiving workstation.
var DefaultExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".msi", ".msp", ".jar",
	".js", ".jse", ".vbs", ".vbe", ".wsf", ".wsh", ".ps1", ".psm1", ".hta",
	".cpl", ".lnk", ".reg", ".dll", ".apk", ".app", ".dmg", ".iso", ".sh",
}

// DefaultPatterns catch link-based phishing and script injection.
var DefaultPatterns = []string{
	`(?i)<\s*script\b`,
	`(?i)javascript\s*:`,
	`(?i)data:text/html`,
	`(?i)\bbit\.ly/|\btinyurl\.com/`,
}

type Gate struct {
	patterns   []*regexp.Regexp
	extensions map[string]struct{}
}

// New compiles patterns; strings without regex metacharacters match as
// case-insensitive substrings. Empty inputs fall back to the defaults.
func New(patterns, extensions []string) (*Gate, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	compiled, err := compilePatterns(patterns)
	if err != nil {
		return nil, err
	}
	g := &Gate{patterns: compiled, extensions: make(map[string]struct{}, len(extensions))}
	for _, e := range extensions {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		g.extensions[e] = struct{}{}
	}
	return g, nil
}

func (g *Gate) IsUnsafeText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// IsDangerousAttachment checks the final extension and any inner one, so
// "invoice.pdf.exe" and "invoice.exe " are both caught.
func (g *Gate) IsDangerousAttachment(filename string) bool {
	name := strings.ToLower(strings.TrimRight(strings.TrimSpace(filename), ". "))
	if name == "" {
		return false
	}
	for name != "" {
		ext := filepath.Ext(name)
		if ext == "" {
			return false
		}
		if _, bad := g.extensions[ext]; bad {
			return true
		}
		name = strings.TrimSuffix(name, ext)
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool { return strings.ContainsAny(s, `\^$.|?*+()[]{}`) }
