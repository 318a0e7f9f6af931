// Package harness runs declarative hot-swap scenarios.
//
// A scenario describes the units a simulated runtime starts with, the
// artifacts that will appear on disk, and a sequence of change notifications,
// each optionally preceded by injected runtime faults. The harness drives
// them through a real orchestrator against an in-memory event log, runs
// batch flow detection over the result, and evaluates the scenario's
// assertions.
//
// Runs are deterministic: event ids, run ids and timestamps come from
// sequential generators and a stepping clock, so the same scenario always
// produces the same log. Snapshot renders that log (and the detections)
// as a stable text trace suitable for golden comparison:
//
//	go test ./internal/harness -update
//
// regenerates testdata/golden.
package harness
