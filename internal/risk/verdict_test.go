package risk

import "testing"

func TestParseAssessment(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		verdict Verdict
		reason  string
	}{
		{
			name:    "explicit approve",
			raw:     "DECISION: APPROVE\nREASON: restart is safe and scoped to one service",
			verdict: VerdictApprove,
			reason:  "restart is safe and scoped to one service",
		},
		{
			name:    "explicit reject",
			raw:     "DECISION: REJECT\nREASON: command deletes data",
			verdict: VerdictReject,
			reason:  "command deletes data",
		},
		{
			name:    "lowercase decision line",
			raw:     "decision: approve\nreason: low blast radius",
			verdict: VerdictApprove,
			reason:  "low blast radius",
		},
		{
			name:    "reject wins over approve",
			raw:     "I would normally APPROVE this but the flags force me to REJECT it.",
			verdict: VerdictReject,
		},
		{
			name:    "token fallback approve",
			raw:     "The action looks fine. APPROVE.",
			verdict: VerdictApprove,
		},
		{
			name:    "ambiguous text rejects",
			raw:     "This is hard to say. The action might be fine.",
			verdict: VerdictReject,
		},
		{
			name:    "empty input rejects",
			raw:     "",
			verdict: VerdictReject,
		},
		{
			name:    "decision line with neither token falls back",
			raw:     "DECISION: unsure\nAPPROVE seems reasonable",
			verdict: VerdictApprove,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAssessment(tt.raw)
			if got.Verdict != tt.verdict {
				t.Errorf("verdict = %q, want %q", got.Verdict, tt.verdict)
			}
			if tt.reason != "" && got.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.reason)
			}
			if got.Reason == "" {
				t.Error("reason should never be empty")
			}
		})
	}
}

func TestParseAssessmentCollectsAnalysis(t *testing.T) {
	raw := "ANALYSIS: the disk is nearly full\nDECISION: APPROVE\nREASON: cleanup is reversible"
	got := ParseAssessment(raw)
	if got.Analysis != "the disk is nearly full" {
		t.Errorf("analysis = %q", got.Analysis)
	}
}
