package script

import "testing"

func TestCheck(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		wantMinCount int
		wantKind     ViolationKind
		wantLine     int
	}{
		{"const declaration", "const x = 1;", 1, KindDisallowedKeyword, 1},
		{"let declaration", "var a = 1;\nlet b = 2;", 1, KindDisallowedKeyword, 2},
		{"arrow function", "var f = function() {};\nvar g = (a, b) => a + b;", 1, KindArrowFunction, 2},
		{"bare arg arrow", "list.map(x => x.sys_id);", 1, KindArrowFunction, 1},
		{"template literal", "var s = `hello ${name}`;", 1, KindTemplateLiteral, 1},
		{"destructuring", "var {name, value} = rec;", 1, KindDestructuring, 1},
		{"array destructuring", "var [a, b] = pair;", 1, KindDestructuring, 1},
		{"for-of loop", "for (var item of items) { gs.info(item); }", 1, KindForOf, 1},
		{"class declaration", "class Widget {}", 1, KindClassDeclaration, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := Check(tt.code)
			if len(violations) < tt.wantMinCount {
				t.Fatalf("got %d violations, want >= %d: %v", len(violations), tt.wantMinCount, violations)
			}
			found := false
			for _, v := range violations {
				if v.Kind == tt.wantKind && v.Line == tt.wantLine {
					found = true
					if v.Code == "" {
						t.Error("violation has empty offending text")
					}
					if v.Fix == "" {
						t.Error("violation has empty suggested fix")
					}
				}
			}
			if !found {
				t.Errorf("no violation of kind %q at line %d in %v", tt.wantKind, tt.wantLine, violations)
			}
		})
	}
}

func TestCheck_CleanCode(t *testing.T) {
	clean := []string{
		"var x = 1;",
		"gs.info('hello'); return 1;",
		"var gr = new GlideRecord('incident');\ngr.query();\nwhile (gr.next()) { gs.print(gr.number); }",
		"function add(a, b) { return a + b; }",
		"",
	}
	for _, code := range clean {
		if violations := Check(code); len(violations) != 0 {
			t.Errorf("Check(%q) = %v, want none", code, violations)
		}
	}
}

func TestCheck_ConstExactScenario(t *testing.T) {
	violations := Check("const x = 1;")
	if len(violations) != 1 {
		t.Fatalf("got %d violations, want exactly 1: %v", len(violations), violations)
	}
	v := violations[0]
	if v.Kind != KindDisallowedKeyword {
		t.Errorf("Kind = %q, want %q", v.Kind, KindDisallowedKeyword)
	}
	if v.Line != 1 {
		t.Errorf("Line = %d, want 1", v.Line)
	}
	if v.Code != "const x = 1;" {
		t.Errorf("Code = %q", v.Code)
	}
}

func TestCheck_MultipleViolations(t *testing.T) {
	code := "const a = 1;\nvar f = () => 2;\nfor (var x of list) {}"
	violations := Check(code)
	if len(violations) < 3 {
		t.Fatalf("got %d violations, want >= 3: %v", len(violations), violations)
	}

	kinds := map[ViolationKind]bool{}
	for _, v := range violations {
		kinds[v.Kind] = true
	}
	for _, want := range []ViolationKind{KindDisallowedKeyword, KindArrowFunction, KindForOf} {
		if !kinds[want] {
			t.Errorf("missing violation kind %q", want)
		}
	}
}
