// Package tests holds the engine's integration tests.
//
// They run the full service against an in-memory SQLite database with the
// local lock and a recording event publisher, so every scenario exercises
// the real persistence and locking paths without external services.
//
// The package sits under internal/ and cannot be imported from outside
// the module.
package tests
