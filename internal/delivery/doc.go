// Package delivery serves project sources and compiled artifacts over HTTP.
// Requests under /<CompileDirectory>/<compileId>/ go through the compile
// orchestrator; everything else is read from the source fetcher verbatim.
// Both paths share the same conditional-request rules, chosen by the
// configured cache strategy.
package delivery
