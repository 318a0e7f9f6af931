package harness

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders the deterministic parts of a result as text: step
// outcomes, the event log without payloads, detections and unmatched
// groups. Payloads carry content hashes and error text, which the golden
// files deliberately leave out.
func Snapshot(name string, r *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	b.WriteString("steps:\n")
	for _, s := range r.Steps {
		fmt.Fprintf(&b, "  %d %s %s %s", s.Step, s.Unit, s.RunID, s.State)
		if s.ErrorCode != "" {
			fmt.Fprintf(&b, " %s", s.ErrorCode)
		}
		if s.Duplicate {
			b.WriteString(" duplicate")
		}
		b.WriteString("\n")
	}

	b.WriteString("events:\n")
	for _, ev := range r.Trace {
		fmt.Fprintf(&b, "  %d %s v%d %s %s\n", ev.Seq, ev.Unit, ev.Version, ev.RunID, ev.Kind)
	}

	b.WriteString("detections:\n")
	for _, m := range r.Detections {
		fmt.Fprintf(&b, "  %s %s %d-%d %s\n", m.FlowID, m.Key, m.FirstPos, m.LastPos,
			strconv.FormatFloat(m.Confidence, 'f', 2, 64))
	}

	b.WriteString("unmatched:\n")
	for _, key := range r.Unmatched {
		fmt.Fprintf(&b, "  %s\n", key)
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, Snapshot(name, result))
}
