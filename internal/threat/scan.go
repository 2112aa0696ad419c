package threat

import (
	"net/http"
	"regexp"
	"strings"
)

// Category identifies a class of attack signature.
type Category string

const (
	CategorySQLInjection        Category = "sql_injection"
	CategoryXSS                 Category = "xss"
	CategoryPathTraversal       Category = "path_traversal"
	CategorySuspiciousUserAgent Category = "suspicious_user_agent"
	CategorySuspiciousExtension Category = "suspicious_extension"
)

// Categories in scan order. Order is fixed so reports are deterministic.
var allCategories = []Category{
	CategorySQLInjection,
	CategoryXSS,
	CategoryPathTraversal,
	CategorySuspiciousUserAgent,
	CategorySuspiciousExtension,
}

// signatures maps each category to its ordered pattern list. The first hit
// per category is enough; scanning still continues across categories so a
// report carries everything that matched.
var signatures = map[Category][]*regexp.Regexp{
	CategorySQLInjection: {
		regexp.MustCompile(`(?i)\b(union(\s+all)?\s+select|select\s+.{0,40}\s+from|insert\s+into|delete\s+from|drop\s+(table|database)|update\s+\w+\s+set)\b`),
		regexp.MustCompile(`(?i)('|")\s*(or|and)\s+('|")?\d+('|")?\s*=\s*('|")?\d+`),
		regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep|waitfor\s+delay)\s*\(`),
		regexp.MustCompile(`(?i)(--|#|/\*)\s*$`),
		regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop)\b`),
	},
	CategoryXSS: {
		regexp.MustCompile(`(?i)<\s*script[^>]*>`),
		regexp.MustCompile(`(?i)javascript\s*:`),
		regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`),
		regexp.MustCompile(`(?i)<\s*(iframe|object|embed|svg)[^>]*>`),
		regexp.MustCompile(`(?i)(document\.cookie|document\.write|window\.location|eval\s*\()`),
	},
	CategoryPathTraversal: {
		regexp.MustCompile(`\.\.[/\\]`),
		regexp.MustCompile(`(?i)%2e%2e(%2f|%5c|/|\\)`),
		regexp.MustCompile(`(?i)(/|\\)(etc(/|\\)passwd|etc(/|\\)shadow|windows(/|\\)system32)`),
		regexp.MustCompile(`(?i)%c0%af|%c1%9c`),
	},
	CategorySuspiciousUserAgent: {
		regexp.MustCompile(`(?i)\b(sqlmap|nikto|nessus|masscan|nmap|acunetix|metasploit|hydra|dirbuster|gobuster|wpscan)\b`),
		regexp.MustCompile(`(?i)^(curl|wget|python-requests|libwww-perl)\b`),
		regexp.MustCompile(`^\s*$`),
	},
	CategorySuspiciousExtension: {
		regexp.MustCompile(`(?i)\.(php[0-9]?|asp|aspx|jsp|cgi|sh|bat|exe|dll)(\?|$)`),
		regexp.MustCompile(`(?i)\.(env|git|htaccess|htpasswd|bak|old|swp)(\?|$)`),
	},
}

// Report is the result of scanning one or more inputs.
type Report struct {
	Categories []Category
}

// Has reports whether the given category matched.
func (r Report) Has(c Category) bool {
	for _, got := range r.Categories {
		if got == c {
			return true
		}
	}
	return false
}

// Empty reports whether nothing matched.
func (r Report) Empty() bool { return len(r.Categories) == 0 }

// Strings returns category names for logging.
func (r Report) Strings() []string {
	out := make([]string, len(r.Categories))
	for i, c := range r.Categories {
		out[i] = string(c)
	}
	return out
}

func (r *Report) add(c Category) {
	if !r.Has(c) {
		r.Categories = append(r.Categories, c)
	}
}

// Scan tests the input against every category's signature list.
func Scan(input string) Report {
	var rep Report
	for _, cat := range allCategories {
		for _, sig := range signatures[cat] {
			if sig.MatchString(input) {
				rep.add(cat)
				break
			}
		}
	}
	return rep
}

// ScanRequest scans the request path, every query parameter value, and the
// User-Agent header. The user agent is only tested against the user-agent
// signatures; SQL fragments in a UA string are noise, not an injection
// vector.
func ScanRequest(r *http.Request) Report {
	var rep Report

	merge := func(in Report) {
		for _, c := range in.Categories {
			rep.add(c)
		}
	}

	merge(scanValue(r.URL.Path))
	if raw := r.URL.RawQuery; raw != "" {
		for _, vals := range r.URL.Query() {
			for _, v := range vals {
				merge(scanValue(v))
			}
		}
	}

	ua := r.Header.Get("User-Agent")
	for _, sig := range signatures[CategorySuspiciousUserAgent] {
		if sig.MatchString(ua) {
			rep.add(CategorySuspiciousUserAgent)
			break
		}
	}

	return rep
}

// scanValue runs everything except the user-agent signatures.
func scanValue(v string) Report {
	var rep Report
	for _, cat := range allCategories {
		if cat == CategorySuspiciousUserAgent {
			continue
		}
		for _, sig := range signatures[cat] {
			if sig.MatchString(v) {
				rep.add(cat)
				break
			}
		}
	}
	return rep
}

// Sanitize removes or neutralizes the substrings that match the given
// category's signatures. SQL/XSS/traversal matches are stripped outright;
// anything else is HTML-escaped as generic text.
func Sanitize(input string, c Category) string {
	switch c {
	case CategorySQLInjection, CategoryXSS, CategoryPathTraversal:
		out := input
		for _, sig := range signatures[c] {
			out = sig.ReplaceAllString(out, "")
		}
		return out
	default:
		repl := strings.NewReplacer(
			"&", "&amp;",
			"<", "&lt;",
			">", "&gt;",
			`"`, "&quot;",
			"'", "&#39;",
		)
		return repl.Replace(input)
	}
}
