// Package flow recognises recurring multi-step patterns in the event log.
//
// A Flow names an ordered sequence of event kinds. A group of correlated
// events matches a flow when it contains that sequence as an ordered
// subsequence (unrelated events in between are tolerated up to the flow's
// gap bound), is at least the flow's minimum size, spans no more than the
// flow's time window between the first and last matched event, and
// satisfies the flow's condition.
//
// The same matcher serves batch detection over a slice of events and
// streaming detection over per-key sliding windows. Learning proposes new
// flows from groups that matched nothing.
package flow
