package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/entsync/internal/entity"
	"github.com/roach88/entsync/internal/record"
	"github.com/roach88/entsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, describe(event))
		}
	}
	return buf.String()
}

func describe(e TraceEvent) string {
	switch e.Type {
	case EventCommand:
		return fmt.Sprintf("step %d %s command %s %v", e.Step, e.Client, e.Document, e.Vars)
	case EventPacket:
		return fmt.Sprintf("step %d packet #%d %s v%d %s", e.Step, e.Seq, e.ID, e.Version, e.Origin)
	default:
		return fmt.Sprintf("step %d %s error %s", e.Step, e.Client, e.Error)
	}
}

// AssertionContext provides state access for value, record, converged and
// error assertions.
type AssertionContext struct {
	Ctx context.Context

	harness *Harness
	records []store.Stored
}

func (a *AssertionContext) authorityRecord(id string) (store.Stored, bool) {
	for _, r := range a.records {
		if r.ID == id {
			return r, true
		}
	}
	return store.Stored{}, false
}

// matches reports whether event satisfies the assertion's filters.
func matches(event TraceEvent, a Assertion) bool {
	if event.Type != a.Event {
		return false
	}
	if a.Client != "" && event.Client != a.Client {
		return false
	}
	if a.Document != "" && event.Document != a.Document {
		return false
	}
	if a.Origin != "" && event.Origin != a.Origin {
		return false
	}
	if a.ID != "" {
		id := event.ID
		if event.Type == EventCommand {
			id, _ = event.Vars["id"].(string)
		}
		if id != a.ID {
			return false
		}
	}
	return true
}

func filterString(a Assertion) string {
	parts := []string{a.Event}
	for _, kv := range [][2]string{{"client", a.Client}, {"document", a.Document}, {"origin", a.Origin}, {"id", a.ID}} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+kv[1])
		}
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matches(event, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: filterString(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, event := range trace {
		if matches(event, a) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d x %s", a.Count, filterString(a)),
		Actual:   fmt.Sprintf("%d occurrences", n),
		Trace:    trace,
	}
}

// assertSnapshot checks expected fields (subset match) and the optional
// exact version.
func assertSnapshot(typ, who string, value record.Object, version int64, a Assertion) error {
	for k, want := range a.Expect {
		w, err := record.Normalize(want)
		if err != nil {
			return fmt.Errorf("%s: expect[%q]: %w", typ, k, err)
		}
		got, ok := value[k]
		if !ok && w != nil {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s %s.%s = %v", who, a.ID, k, w),
				Actual:   "field missing",
			}
		}
		if !record.Equal(got, w) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s %s.%s = %v", who, a.ID, k, w),
				Actual:   fmt.Sprintf("%v", got),
			}
		}
	}
	if a.Version != nil && *a.Version != version {
		return &AssertionError{
			Type:     typ,
			Expected: fmt.Sprintf("%s %s at version %d", who, a.ID, *a.Version),
			Actual:   fmt.Sprintf("version %d", version),
		}
	}
	return nil
}

func assertValue(actx *AssertionContext, a Assertion) error {
	c := actx.harness.clients[a.Client]
	s, ok := c.group.GetByID(a.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s holds %s", a.Client, a.ID),
			Actual:   "no such record",
		}
	}
	return assertSnapshot(AssertValue, a.Client, s.Value(), s.Version(), a)
}

func assertRecord(actx *AssertionContext, a Assertion) error {
	r, ok := actx.authorityRecord(a.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertRecord,
			Expected: fmt.Sprintf("authority holds %s", a.ID),
			Actual:   "no such record",
		}
	}
	return assertSnapshot(AssertRecord, "authority", r.Value, r.Version, a)
}

// assertConverged checks that every online client holds exactly the
// authority's records, values and versions.
func assertConverged(actx *AssertionContext) error {
	h := actx.harness
	for _, name := range h.order {
		c := h.clients[name]
		if !c.online {
			continue
		}
		if n := c.group.Len(); n != len(actx.records) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s holds %d records", name, len(actx.records)),
				Actual:   fmt.Sprintf("%d records", n),
			}
		}
		for _, r := range actx.records {
			s, ok := c.group.GetByID(r.ID)
			switch {
			case !ok:
				return &AssertionError{
					Type:     AssertConverged,
					Expected: fmt.Sprintf("%s holds %s", name, r.ID),
					Actual:   "no such record",
				}
			case s.Version() != r.Version:
				return &AssertionError{
					Type:     AssertConverged,
					Expected: fmt.Sprintf("%s %s at version %d", name, r.ID, r.Version),
					Actual:   fmt.Sprintf("version %d", s.Version()),
				}
			case !record.Equal(map[string]any(s.Value()), map[string]any(r.Value)):
				return &AssertionError{
					Type:     AssertConverged,
					Expected: fmt.Sprintf("%s %s = %v", name, r.ID, r.Value),
					Actual:   fmt.Sprintf("%v", s.Value()),
				}
			}
		}
	}
	return nil
}

func assertErrorKind(actx *AssertionContext, a Assertion) error {
	c := actx.harness.clients[a.Client]
	s, ok := c.group.GetByID(a.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertError,
			Expected: fmt.Sprintf("%s holds %s", a.Client, a.ID),
			Actual:   "no such record",
		}
	}
	if err := s.Err(); !entity.IsKind(err, entity.ErrorKind(a.Kind)) {
		return &AssertionError{
			Type:     AssertError,
			Expected: fmt.Sprintf("%s %s reports %s", a.Client, a.ID, a.Kind),
			Actual:   fmt.Sprintf("%v", err),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// State assertions need actx; trace assertions only need the result.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertValue, AssertRecord, AssertConverged, AssertError:
			if actx == nil || actx.harness == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a state context", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertValue:
				err = assertValue(actx, assertion)
			case AssertRecord:
				err = assertRecord(actx, assertion)
			case AssertConverged:
				err = assertConverged(actx)
			default:
				err = assertErrorKind(actx, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
