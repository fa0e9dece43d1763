// Package compile decides whether a persisted artifact can be reused and, when
// it cannot, runs one compilation for it. Validator inspects the metadata
// record next to an artifact; Orchestrator serializes work per artifact with
// a lock.Locker, coalesces concurrent callers, invokes the CompileFunc and
// persists the result with a logical modification time.
package compile
