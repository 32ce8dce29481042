// Package graph models immutable routine-version graphs.
//
// A RoutineVersion is an arena: nodes are addressed by NodeID, links by
// LinkID, and the outgoing-link index is built once when the version is
// decoded. Nothing in the arena points back at its owner, so versions can
// be cached, shared across runs and serialized without cycle handling.
//
// Node payloads form a closed set (SubroutineList, Decision, End). Unknown
// kinds and mismatched payloads are rejected by Decode with a
// VALIDATION_ERROR; execution code never sees an unvalidated graph.
package graph
