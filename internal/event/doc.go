// Package event defines the versioned event record that every hot-swap step
// is written as.
//
// An Event is a single tagged union: a Kind discriminator, a string payload
// and Metadata carrying aggregate identity, the version chain and causal
// links. Per aggregate, versions start at 1 and each version links to the
// EventID of the one before it. Chain integrity is checked by VerifyChain and
// enforced on append by the event log; this package only rejects metadata
// without an aggregate type or id.
//
// Events and Metadata are values. The With* methods return modified copies.
package event
