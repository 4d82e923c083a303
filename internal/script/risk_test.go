package script

import (
	"reflect"
	"strings"
	"testing"
)

func TestAssess(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		wantTier RiskTier
	}{
		{"empty", "", RiskLow},
		{"read only", "var gr = new GlideRecord('incident'); gr.query();", RiskLow},
		{"logging only", "gs.info('hi');", RiskLow},
		{"update call", "gr.update();", RiskMedium},
		{"insert call", "gr.insert();", RiskMedium},
		{"delete multiple", "gr.deleteMultiple();", RiskMedium},
		{"set property", "gs.setProperty('a.b', 'c');", RiskMedium},
		{"initialize plain record", "new GlideRecord('incident').initialize();", RiskMedium},
		{"initialize secure record", "new GlideRecordSecure('incident').initialize();", RiskMedium},
		{"eval", "eval(payload);", RiskHigh},
		{"function constructor", "var f = new Function('return 1');", RiskHigh},
		{"workflow bypass", "gr.setWorkflow(false); gr.update();", RiskHigh},
		{"glide evaluator", "new GlideEvaluator().evaluateString(s);", RiskHigh},
		{"unbounded cursor walk", "while (true) { if (!gr.next()) break; }", RiskMedium},
		{"unbounded loop without cursor", "while (true) { i++; }", RiskLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Assess(tt.code)
			if a.RiskTier != tt.wantTier {
				t.Errorf("RiskTier = %s, want %s", a.RiskTier, tt.wantTier)
			}
		})
	}
}

func TestAssess_Deterministic(t *testing.T) {
	code := "gr.setWorkflow(false); gr.updateMultiple(); gs.getUser(); eval(x);"
	a1 := Assess(code)
	a2 := Assess(code)
	if !reflect.DeepEqual(a1, a2) {
		t.Errorf("assessments differ:\n%+v\n%+v", a1, a2)
	}
}

func TestAssess_Monotonic(t *testing.T) {
	// Appending more matching patterns must never lower the tier.
	base := "gr.update();"
	additions := []string{
		"gs.getUser();",
		"gr.deleteRecord();",
		"eval(x);",
		"while (true) { gr.next(); }",
	}

	code := base
	prev := Assess(code).RiskTier
	for _, add := range additions {
		code += "\n" + add
		tier := Assess(code).RiskTier
		if tier < prev {
			t.Errorf("tier decreased from %s to %s after adding %q", prev, tier, add)
		}
		prev = tier
	}
}

func TestAssess_PrivilegedRecordedNotEscalated(t *testing.T) {
	a := Assess("var u = gs.getUser(); gs.hasRole('admin');")
	if a.RiskTier != RiskLow {
		t.Errorf("RiskTier = %s, want LOW (privileged calls alone do not escalate)", a.RiskTier)
	}
	if len(a.PrivilegedCalls) < 2 {
		t.Errorf("PrivilegedCalls = %v, want both calls recorded", a.PrivilegedCalls)
	}
}

func TestAssess_DangerousWarningCitesMatch(t *testing.T) {
	a := Assess("eval(x)")
	if a.RiskTier != RiskHigh {
		t.Fatalf("RiskTier = %s, want HIGH", a.RiskTier)
	}
	if len(a.Warnings) == 0 {
		t.Fatal("no warnings for eval")
	}
	if !strings.Contains(a.Warnings[0], "eval") {
		t.Errorf("warning %q does not cite matched text", a.Warnings[0])
	}
}

func TestAssess_MutatingCallsRecorded(t *testing.T) {
	a := Assess("gr.insert();\ngr2.update();")
	if len(a.MutatingCalls) != 2 {
		t.Errorf("MutatingCalls = %v, want 2 entries", a.MutatingCalls)
	}
}

func TestRiskTierString(t *testing.T) {
	if RiskLow.String() != "LOW" || RiskMedium.String() != "MEDIUM" || RiskHigh.String() != "HIGH" {
		t.Error("unexpected tier strings")
	}
}
