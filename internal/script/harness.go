package script

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// HarnessParams fills the instrumentation wrapper around user code.
type HarnessParams struct {
	ExecutionID string
	MarkerKey   string
	Code        string
}

// The wrapper runs user code inside a local function scope so top-level
// var declarations cannot collide with harness internals. The real gs is
// passed in as a parameter before the shadow declaration is hoisted;
// log-style calls are captured in order and still forwarded. Any raised
// error becomes a string field instead of propagating to the scheduler.
// The serialized result lands in a sys_properties slot named by MarkerKey.
const harnessTemplate = `(function(__gs) {
    var __output = [];
    var __push = function(level, msg) {
        __output.push({ level: level, message: String(msg) });
    };
    var gs = {
        print: function(m) { __push('print', m); __gs.print(m); },
        log: function(m, src) { __push('print', m); __gs.log(m, src); },
        info: function(m) { __push('info', m); __gs.info(m); },
        warn: function(m) { __push('warn', m); __gs.warn(m); },
        error: function(m) { __push('error', m); __gs.error(m); },
        debug: function(m) { __push('info', m); __gs.debug(m); },
        nil: function(o) { return __gs.nil(o); },
        getProperty: function(n, d) { return __gs.getProperty(n, d); },
        setProperty: function(n, v) { __gs.setProperty(n, v); },
        getUser: function() { return __gs.getUser(); },
        getUserID: function() { return __gs.getUserID(); },
        getUserName: function() { return __gs.getUserName(); },
        hasRole: function(r) { return __gs.hasRole(r); },
        now: function() { return __gs.now(); },
        nowDateTime: function() { return __gs.nowDateTime(); },
        eventQueue: function(n, r, p1, p2) { __gs.eventQueue(n, r, p1, p2); }
    };
    var __result = {
        executionId: '{{.ExecutionID}}',
        success: false,
        result: null,
        error: null,
        output: __output,
        executionTimeMs: 0
    };
    var __start = new GlideDateTime().getNumericValue();
    try {
        var __user = function() {
{{.Code}}
        };
        var __value = __user();
        if (typeof __value !== 'undefined') {
            __result.result = __value;
        }
        __result.success = true;
    } catch (e) {
        __result.error = String(e);
    }
    __result.executionTimeMs = new GlideDateTime().getNumericValue() - __start;
    __gs.setProperty('{{.MarkerKey}}', JSON.stringify(__result));
})(gs);
`

var harnessTmpl = template.Must(template.New("harness").Parse(harnessTemplate))

// RenderHarness wraps user code in the instrumentation harness.
func RenderHarness(p HarnessParams) (string, error) {
	if p.ExecutionID == "" || p.MarkerKey == "" {
		return "", fmt.Errorf("harness requires execution id and marker key")
	}
	// Single quotes delimit the interpolated identifiers in the template.
	if strings.ContainsAny(p.ExecutionID, "'\\") || strings.ContainsAny(p.MarkerKey, "'\\") {
		return "", fmt.Errorf("execution id and marker key must not contain quotes")
	}

	var buf bytes.Buffer
	if err := harnessTmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("rendering harness: %w", err)
	}
	return buf.String(), nil
}
