/*
Package crdt implements the operation-based data types replicated through
the log: an add-wins observed-remove set without tombstones (Orswot) and a
map of such sets (Map).

Every operation carries a dot minted from the data type's own clock. An
operation whose dot is already covered by the clock is a no-op, so
redelivering an operation is harmless. Removes carry the causal context
they observed; a remove whose context is ahead of the local clock is parked
and re-applied whenever a later operation advances the clock.

Access to the types of this package is not synchronized. Callers that share
a value between goroutines must guard it themselves.
*/
package crdt
