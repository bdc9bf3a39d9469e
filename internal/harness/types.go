package harness

// Trace event types.
const (
	EventCommand = "command"
	EventPacket  = "packet"
	EventError   = "error"
)

// TraceEvent is one observable effect of a step.
//
// Command events carry Client, Document and Vars. Packet events carry
// Seq, ID, Version, Origin and Diff. Error events carry Client and Error.
type TraceEvent struct {
	Type     string         `json:"type"`
	Step     int            `json:"step"`
	Client   string         `json:"client,omitempty"`
	Document string         `json:"document,omitempty"`
	Vars     map[string]any `json:"vars,omitempty"`
	Seq      int64          `json:"seq,omitempty"`
	ID       string         `json:"id,omitempty"`
	Version  int64          `json:"version,omitempty"`
	Origin   string         `json:"origin,omitempty"`
	Diff     any            `json:"diff,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace lists the events of every step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Records is the authority's final state, keyed by id.
	Records map[string]any `json:"records,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: make([]TraceEvent, 0),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Pass = false
	r.Errors = append(r.Errors, err)
}
