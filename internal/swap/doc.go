// Package swap implements the hot-swap orchestrator.
//
// A run takes one ChangeNotification through
//
//	Idle → Detected → Validating → Accepted → Applying → Applied → Confirmed
//
// with side exits to Rejected (capability missing or validation failed),
// Cancelled (superseded before Applying) and RollingBack → Failed (apply or
// post-apply verification failed). Every transition is recorded as exactly
// one event on the unit's aggregate, caused by the event before it and
// correlated by the run id, so a run reads back as one causal chain.
//
// Runs for one unit are serialised on a lane: a FIFO queue drained by a
// single worker goroutine. Lanes for different units run in parallel. Port
// calls happen only on the lane, so the port is never entered twice for the
// same unit.
//
// Once ApplyRequested is recorded the run is detached from cancellation and
// always reaches Confirmed or Failed.
package swap
