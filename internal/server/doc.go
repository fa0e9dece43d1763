// Package server hosts the Fiber HTTP service and its request middleware
// chain. NewApp attaches panic recovery and request ids, then hands every
// non-reserved path to the injected RequestHandler; the profile endpoint and
// /-/ diagnostics are mounted by the routes subpackage. The shared upstream
// http.Client used by remote source mirrors also lives here.
package server
