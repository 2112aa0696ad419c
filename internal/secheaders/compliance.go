package secheaders

import "net/http"

// requiredHeaders are the headers every hardened response must carry.
var requiredHeaders = []string{
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Referrer-Policy",
}

// recommendedHeaders round out the posture but may be absent in dev.
var recommendedHeaders = []string{
	"Strict-Transport-Security",
	"Permissions-Policy",
	"Cross-Origin-Opener-Policy",
	"Cross-Origin-Resource-Policy",
}

// ComplianceReport is a diagnostic coverage summary of a header set. It is
// never used for enforcement.
type ComplianceReport struct {
	Score              float64  `json:"score"` // 0..1
	MissingRequired    []string `json:"missingRequired,omitempty"`
	MissingRecommended []string `json:"missingRecommended,omitempty"`
}

// CheckCompliance scores a header set against the required and recommended
// lists. Required headers weigh double.
func CheckCompliance(h http.Header) ComplianceReport {
	var rep ComplianceReport
	total, got := 0.0, 0.0

	for _, name := range requiredHeaders {
		total += 2
		if h.Get(name) != "" {
			got += 2
		} else {
			rep.MissingRequired = append(rep.MissingRequired, name)
		}
	}
	for _, name := range recommendedHeaders {
		total++
		if h.Get(name) != "" {
			got++
		} else {
			rep.MissingRecommended = append(rep.MissingRecommended, name)
		}
	}

	rep.Score = got / total
	return rep
}
