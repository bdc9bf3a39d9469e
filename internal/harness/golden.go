package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/entsync/internal/record"
)

// toCanonicalMap converts a trace event to a map for canonical JSON,
// leaving out the fields its type does not carry.
func (e TraceEvent) toCanonicalMap() map[string]any {
	m := map[string]any{
		"type": e.Type,
		"step": int64(e.Step),
	}
	switch e.Type {
	case EventCommand:
		m["client"] = e.Client
		m["document"] = e.Document
		m["vars"] = e.Vars
	case EventPacket:
		m["seq"] = e.Seq
		m["id"] = e.ID
		m["version"] = e.Version
		m["origin"] = e.Origin
		m["diff"] = e.Diff
	case EventError:
		m["client"] = e.Client
		m["error"] = e.Error
	}
	return m
}

// MarshalTrace renders a trace as canonical JSON, one event per line.
func MarshalTrace(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, event := range trace {
		line, err := record.MarshalCanonical(event.toCanonicalMap())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
