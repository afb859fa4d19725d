package risk

import "strings"

// Verdict is the extracted outcome of an assessment.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Assessment is the structured form of a raw assessor response.
type Assessment struct {
	Verdict  Verdict
	Reason   string
	Analysis string
}

// ParseAssessment extracts a verdict from free-form assessor output.
// It first looks for an explicit "DECISION:" line, then falls back to
// scanning the whole text for APPROVE or REJECT tokens. Any mention of
// REJECT wins over APPROVE, and text with no recognizable verdict is
// treated as a rejection. An uncertain assessor must never approve.
func ParseAssessment(raw string) Assessment {
	a := Assessment{Verdict: VerdictReject}

	decided := false
	rejected := false
	approved := false
	var analysis []string

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, "DECISION:"):
			value := upper[len("DECISION:"):]
			if strings.Contains(value, "REJECT") {
				decided = true
				rejected = true
			} else if strings.Contains(value, "APPROVE") {
				decided = true
				approved = true
			}
		case strings.HasPrefix(upper, "REASON:"):
			if a.Reason == "" {
				a.Reason = strings.TrimSpace(trimmed[len("REASON:"):])
			}
		case strings.HasPrefix(upper, "ANALYSIS:"):
			analysis = append(analysis, strings.TrimSpace(trimmed[len("ANALYSIS:"):]))
		default:
			if trimmed != "" {
				analysis = append(analysis, trimmed)
			}
		}
	}

	if !decided {
		// No explicit decision line, fall back to token scanning.
		upper := strings.ToUpper(raw)
		rejected = strings.Contains(upper, "REJECT")
		approved = strings.Contains(upper, "APPROVE")
	}

	if approved && !rejected {
		a.Verdict = VerdictApprove
	}
	if a.Reason == "" {
		a.Reason = "no explicit reasoning provided by assessor"
	}
	a.Analysis = strings.Join(analysis, "\n")
	return a
}
