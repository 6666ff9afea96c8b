// Package bundle turns a project directory of script sources into one
// flat script and maps positions in that script back to the sources.
//
// Ownership boundary:
// - source discovery and reading
// - import neutralization and typed-source transpilation
// - bundle layout, markers and the line index
// - stack trace rewriting against the index
//
// A bundle is immutable once compiled. Rebuilding produces a new Bundle.
package bundle
