// Package sqlite records fusion output to SQLite for offline analysis.
//
// The recorder is write-only from the pipeline's point of view: every
// published cycle is appended to the current run and nothing is ever read
// back into the stage. The schema is owned by the embedded migrations and
// applied with golang-migrate.
//
// Dependency rule: sqlite may import pipeline and the fusion layers; the
// pipeline never imports sqlite.
package sqlite
