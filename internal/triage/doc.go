// Package triage turns free-text grievances into a category, an urgency
// level, an optional duplicate match and a priority score.
//
// Everything here is pure and deterministic. Keyword tables are loaded once
// and shared read-only, so a single Analyzer is safe for concurrent use.
package triage
