// Package harness runs YAML sync scenarios against an in-process authority.
//
// Each scenario seeds one entity kind, opens one group store per named
// client, and then executes steps one at a time. After every step the
// harness waits until every client has settled and caught up with the
// authority, so the trace of a scenario is the same on every run.
//
// # Scenario Format
//
//	name: close_won_converges
//	description: "A close-won update issues closeWon and both clients converge"
//	kind: opportunity
//	clients: [alice, bob]
//	seed:
//	  - { id: "1", internalStage: Open, probability: 20 }
//	steps:
//	  - client: alice
//	    update: { id: "1", set: { internalStage: ClosedWon } }
//	  - client: bob
//	    command: { document: updateStage, vars: { id: "1", stage: Won } }
//	  - client: bob
//	    invalidate: "1"
//	assertions:
//	  - type: value
//	    client: bob
//	    id: "1"
//	    expect: { probability: 100 }
//	    version: 2
//	  - type: converged
//
// # Assertion Types
//
//   - value: subset match on a client's store value, optionally its version
//   - record: subset match on the authority's stored record
//   - converged: every client holds exactly the authority's records
//   - error: a client store reports an error of the given kind
//   - trace_contains: an event of the given type (and document or id) exists
//   - trace_count: exactly N events match
//
// # Trace
//
// The trace lists, per step, the commands the acting client sent (queries
// are left out) followed by the packets the authority committed, in commit
// order. Subscriber ids come from a fixed generator, so push origins are
// stable ("push:sub-1" is the first client).
package harness
