package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/hotswap/internal/artifact"
	"github.com/roach88/hotswap/internal/event"
)

// Scenario defines one hot-swap conformance scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Unsupported makes the simulated runtime refuse live redefinition.
	Unsupported bool `yaml:"unsupported,omitempty"`

	// Units are resident in the runtime before the first step.
	Units []UnitSetup `yaml:"units"`

	// Artifacts are the candidate files steps refer to by name.
	Artifacts map[string]ArtifactSpec `yaml:"artifacts"`

	// Steps are processed one at a time, each waiting for its run to end.
	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// UnitSetup loads a unit running the named artifact.
type UnitSetup struct {
	Name      string `yaml:"name"`
	Artifact  string `yaml:"artifact"`
	Instances int64  `yaml:"instances,omitempty"`
}

// ArtifactSpec describes artifact content. Content is used verbatim when
// set; otherwise a manifest is rendered from the remaining fields.
type ArtifactSpec struct {
	Unit        string   `yaml:"unit,omitempty"`
	Supertype   string   `yaml:"supertype,omitempty"`
	Body        string   `yaml:"body,omitempty"`
	ExtraFields []string `yaml:"extra_fields,omitempty"`
	Content     string   `yaml:"content,omitempty"`
}

// Step delivers one change notification.
type Step struct {
	// Notify names the artifact that changed.
	Notify string `yaml:"notify"`

	// Unit defaults to the artifact's unit.
	Unit string `yaml:"unit,omitempty"`

	User string `yaml:"user,omitempty"`

	Faults *Faults `yaml:"faults,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Faults are injected into the runtime before the step runs.
type Faults struct {
	// ApplyErrors fail the next apply calls in order, the restore included.
	// An empty entry lets that call succeed.
	ApplyErrors []string `yaml:"apply_errors,omitempty"`

	FootprintError string `yaml:"footprint_error,omitempty"`
	HideAfterApply bool   `yaml:"hide_after_apply,omitempty"`
}

// Expect checks a step's outcome.
type Expect struct {
	State     string `yaml:"state"`
	ErrorCode string `yaml:"error_code,omitempty"`
	Duplicate bool   `yaml:"duplicate,omitempty"`
}

// Assertion validates the final log, detections or runtime.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Unit narrows trace assertions to one unit's events.
	Unit string `yaml:"unit,omitempty"`

	// Kind is used by trace_contains and trace_count.
	Kind string `yaml:"kind,omitempty"`

	// Kinds is the expected order for trace_order. Other events may
	// appear in between.
	Kinds []string `yaml:"kinds,omitempty"`

	// Payload is a subset match for trace_contains.
	Payload map[string]string `yaml:"payload,omitempty"`

	// Flow is a flow name for flow_detected and flow_absent.
	Flow string `yaml:"flow,omitempty"`

	// Artifact names the expected content for live_content.
	Artifact string `yaml:"artifact,omitempty"`

	// Count is used by trace_count, flow_detected and rollback_attempts.
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains    = "trace_contains"
	AssertTraceOrder       = "trace_order"
	AssertTraceCount       = "trace_count"
	AssertFlowDetected     = "flow_detected"
	AssertFlowAbsent       = "flow_absent"
	AssertLiveContent      = "live_content"
	AssertRollbackAttempts = "rollback_attempts"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// Render returns the artifact bytes.
func (a ArtifactSpec) Render() ([]byte, error) {
	if a.Content != "" {
		return []byte(a.Content), nil
	}
	m := artifact.Manifest{
		Unit:      a.Unit,
		Supertype: a.Supertype,
		Fields:    []artifact.Field{{Name: "count", Type: "int"}},
		Methods: []artifact.Method{
			{Name: "increment", Signature: "() int"},
			{Name: "reset", Signature: "() void"},
		},
	}
	if m.Supertype == "" {
		m.Supertype = "Object"
	}
	for _, f := range a.ExtraFields {
		m.Fields = append(m.Fields, artifact.Field{Name: f, Type: "int"})
	}
	head, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(head)
	buf.WriteString("---\n")
	buf.WriteString(a.Body)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// unitOf resolves the unit a step targets.
func (s *Scenario) unitOf(step Step) string {
	if step.Unit != "" {
		return step.Unit
	}
	return s.Artifacts[step.Notify].Unit
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for name, a := range s.Artifacts {
		if a.Content == "" && a.Unit == "" {
			return fmt.Errorf("artifacts.%s: unit is required unless content is given", name)
		}
	}

	for i, u := range s.Units {
		if u.Name == "" {
			return fmt.Errorf("units[%d]: name is required", i)
		}
		if _, ok := s.Artifacts[u.Artifact]; !ok {
			return fmt.Errorf("units[%d]: unknown artifact %q", i, u.Artifact)
		}
		if u.Instances < 0 {
			return fmt.Errorf("units[%d]: instances must be non-negative", i)
		}
	}

	for i, step := range s.Steps {
		if step.Notify == "" {
			return fmt.Errorf("steps[%d]: notify is required", i)
		}
		if _, ok := s.Artifacts[step.Notify]; !ok {
			return fmt.Errorf("steps[%d]: unknown artifact %q", i, step.Notify)
		}
		if s.unitOf(step) == "" {
			return fmt.Errorf("steps[%d]: unit is required when the artifact has none", i)
		}
		if step.Expect != nil && step.Expect.State == "" {
			return fmt.Errorf("steps[%d].expect: state is required", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, s); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, s *Scenario) error {
	knownKind := func(k string) bool { return slices.Contains(event.Kinds, event.Kind(k)) }

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains, AssertTraceCount:
		if !knownKind(a.Kind) {
			return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Kind)
		}
	case AssertTraceOrder:
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
		for _, k := range a.Kinds {
			if !knownKind(k) {
				return fmt.Errorf("assertions[%d]: unknown event kind %q", index, k)
			}
		}
	case AssertFlowDetected, AssertFlowAbsent:
		if a.Flow == "" {
			return fmt.Errorf("assertions[%d]: flow is required for %s", index, a.Type)
		}
	case AssertLiveContent:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for live_content", index)
		}
		if _, ok := s.Artifacts[a.Artifact]; !ok {
			return fmt.Errorf("assertions[%d]: unknown artifact %q", index, a.Artifact)
		}
	case AssertRollbackAttempts:
		if a.Unit == "" {
			return fmt.Errorf("assertions[%d]: unit is required for rollback_attempts", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
