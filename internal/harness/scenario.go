package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Scenario defines a sync scenario.
// A scenario seeds one entity kind on the authority, connects a set of
// clients, runs steps against them and asserts on the resulting trace and
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are keyed by it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Kind is the entity kind every client subscribes to.
	Kind string `yaml:"kind"`

	// Seed lists the records the authority starts with. Each needs an id.
	Seed []map[string]any `yaml:"seed"`

	// Clients names the connected clients, in subscription order.
	Clients []string `yaml:"clients"`

	// Offline names clients that never reach the sync channel. They
	// bootstrap through queries but stay read-only.
	Offline []string `yaml:"offline,omitempty"`

	// Steps run one at a time; each waits for the system to settle.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one client action. Exactly one of Update, Command and
// Invalidate is set.
type Step struct {
	// Client performing the step.
	Client string `yaml:"client"`

	// Update edits a record through the client's entity store.
	Update *UpdateStep `yaml:"update,omitempty"`

	// Command sends a command document directly.
	Command *CommandStep `yaml:"command,omitempty"`

	// Invalidate refetches the record with this id.
	Invalidate string `yaml:"invalidate,omitempty"`

	// ExpectError marks a step that must fail.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// UpdateStep sets and removes top-level fields of one record.
type UpdateStep struct {
	ID    string         `yaml:"id"`
	Set   map[string]any `yaml:"set,omitempty"`
	Unset []string       `yaml:"unset,omitempty"`
}

// CommandStep is one remote command.
type CommandStep struct {
	Document string         `yaml:"document"`
	Vars     map[string]any `yaml:"vars"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "value": subset match on a client's record
	// - "record": subset match on the authority's record
	// - "converged": every online client holds the authority's records
	// - "error": a client's record reports an error of Kind
	// - "trace_contains": an event matching Event/Document/ID exists
	// - "trace_count": exactly Count events match
	Type string `yaml:"type"`

	Client string `yaml:"client,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect contains expected field values. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Version, when non-nil, must equal the record's version exactly.
	Version *int64 `yaml:"version,omitempty"`

	// Kind is the expected error kind (used by error).
	Kind string `yaml:"kind,omitempty"`

	// Event, Document and Origin filter trace events.
	Event    string `yaml:"event,omitempty"`
	Document string `yaml:"document,omitempty"`
	Origin   string `yaml:"origin,omitempty"`

	// Count is the expected number of matching events (used by trace_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertValue         = "value"
	AssertRecord        = "record"
	AssertConverged     = "converged"
	AssertError         = "error"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML. Unknown fields are rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	seen := make(map[string]bool, len(s.Clients))
	for _, c := range s.Clients {
		if seen[c] {
			return fmt.Errorf("duplicate client %q", c)
		}
		seen[c] = true
	}
	for _, c := range s.Offline {
		if !seen[c] {
			return fmt.Errorf("offline client %q is not in clients", c)
		}
	}

	for i, rec := range s.Seed {
		if _, ok := rec["id"]; !ok {
			return fmt.Errorf("seed[%d]: id is required", i)
		}
	}

	for i, step := range s.Steps {
		if !seen[step.Client] {
			return fmt.Errorf("steps[%d]: unknown client %q", i, step.Client)
		}
		n := 0
		if step.Update != nil {
			n++
			if step.Update.ID == "" {
				return fmt.Errorf("steps[%d].update: id is required", i)
			}
		}
		if step.Command != nil {
			n++
			if step.Command.Document == "" {
				return fmt.Errorf("steps[%d].command: document is required", i)
			}
		}
		if step.Invalidate != "" {
			n++
		}
		if n != 1 {
			return fmt.Errorf("steps[%d]: exactly one of update, command, invalidate is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], seen); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, clients map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertValue, AssertError:
		if !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: %s requires a known client", index, a.Type)
		}
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: %s requires id", index, a.Type)
		}
		if a.Type == AssertError && a.Kind == "" {
			return fmt.Errorf("assertions[%d]: error requires kind", index)
		}
	case AssertRecord:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: record requires id", index)
		}
	case AssertConverged:
	case AssertTraceContains, AssertTraceCount:
		if !slices.Contains([]string{EventCommand, EventPacket, EventError}, a.Event) {
			return fmt.Errorf("assertions[%d]: %s requires event (command, packet or error)", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
