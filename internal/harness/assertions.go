package harness

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/roach88/hotswap/internal/capability"
	"github.com/roach88/hotswap/internal/swap"
)

// AssertionContext gives assertions access to the world after the run.
type AssertionContext struct {
	Host         *capability.Host
	Orchestrator *swap.Orchestrator
	Artifacts    map[string][]byte
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s v%d %s %s\n", ev.Seq, ev.Unit, ev.Version, ev.RunID, ev.Kind)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFlowDetected, AssertFlowAbsent:
		return assertFlowDetected(result, a)
	case AssertLiveContent:
		return assertLiveContent(a, actx)
	case AssertRollbackAttempts:
		return assertRollbackAttempts(a, actx)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func forUnit(trace []TraceEvent, unit string) []TraceEvent {
	if unit == "" {
		return trace
	}
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Unit == unit {
			out = append(out, ev)
		}
	}
	return out
}

// assertTraceContains checks for an event of the kind whose payload holds
// every expected key/value.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	scoped := forUnit(trace, a.Unit)
	for _, ev := range scoped {
		if ev.Kind != a.Kind {
			continue
		}
		if matchPayload(ev.Payload, a.Payload) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("%s with payload %v", a.Kind, a.Payload),
		Actual:   "not found in trace",
		Trace:    scoped,
	}
}

func matchPayload(got, want map[string]string) bool {
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

// assertTraceOrder checks the kinds appear in order. Other events may
// appear in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	scoped := forUnit(trace, a.Unit)
	next := 0
	for _, ev := range scoped {
		if next < len(a.Kinds) && ev.Kind == a.Kinds[next] {
			next++
		}
	}
	if next == len(a.Kinds) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("kinds in order: %v", a.Kinds),
		Actual:   fmt.Sprintf("%s not found after %v", a.Kinds[next], a.Kinds[:next]),
		Trace:    scoped,
	}
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	scoped := forUnit(trace, a.Unit)
	count := 0
	for _, ev := range scoped {
		if ev.Kind == a.Kind {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Kind),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    scoped,
		}
	}
	return nil
}

// assertFlowDetected counts detections of the named flow. Without a count
// any number above zero passes; flow_absent requires none.
func assertFlowDetected(result *Result, a Assertion) error {
	count := 0
	for _, m := range result.Detections {
		if m.FlowName == a.Flow {
			count++
		}
	}

	var ok bool
	var want string
	switch {
	case a.Type == AssertFlowAbsent:
		ok, want = count == 0, fmt.Sprintf("no detections of %q", a.Flow)
	case a.Count == 0:
		ok, want = count > 0, fmt.Sprintf("at least one detection of %q", a.Flow)
	default:
		ok, want = count == a.Count, fmt.Sprintf("%d detections of %q", a.Count, a.Flow)
	}
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Expected: want,
			Actual:   fmt.Sprintf("%d detections", count),
		}
	}
	return nil
}

func assertLiveContent(a Assertion, actx *AssertionContext) error {
	got := actx.Host.Content(a.Unit)
	want := actx.Artifacts[a.Artifact]
	if !bytes.Equal(got, want) {
		return &AssertionError{
			Type:     AssertLiveContent,
			Expected: fmt.Sprintf("%s running %s", a.Unit, a.Artifact),
			Actual:   fmt.Sprintf("%d bytes of other content", len(got)),
		}
	}
	return nil
}

func assertRollbackAttempts(a Assertion, actx *AssertionContext) error {
	attempts := actx.Orchestrator.Trail().ForUnit(a.Unit)
	if len(attempts) != a.Count {
		return &AssertionError{
			Type:     AssertRollbackAttempts,
			Expected: fmt.Sprintf("%d rollback attempts for %s", a.Count, a.Unit),
			Actual:   fmt.Sprintf("%d attempts", len(attempts)),
		}
	}
	return nil
}
