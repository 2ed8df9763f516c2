// Package routing implements the decision core: profile registration,
// deterministic request classification, and the route walk that composes
// circuit health and budget admission into one auditable RouteDecision.
//
// The registry is immutable after construction; hot reload replaces the
// whole registry atomically behind the engine rather than mutating in place.
package routing
