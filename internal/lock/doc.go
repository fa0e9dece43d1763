// Package lock serializes work on a single key. Registry is the in-process
// primitive: one holder per key, waiters granted in arrival order. Layered
// stacks an inter-process Locker (RedisLocker) on top of it so several
// server processes sharing one storage directory never compile the same
// artifact concurrently.
package lock
