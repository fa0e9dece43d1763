// Package profile turns a runtime capability report into the minimal
// CompileProfile that runtime needs, and interns profiles into compile
// directories. Value-equal profiles always share one compileId, so artifacts
// compiled for two runtimes with the same needs are stored once.
package profile
