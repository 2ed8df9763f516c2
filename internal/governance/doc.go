// Package governance holds the mutable runtime safety state of the routing
// engine: per-backend circuit breaking and capacity/cost admission control.
//
// Both registries are created lazily per backend identifier, mutated
// concurrently by outcome reports, and owned by a single long-lived context
// rather than ambient globals, so the engine stays testable with injected
// fakes. Contention is scoped per backend; there is no global lock.
package governance
