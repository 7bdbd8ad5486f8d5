// Package moderation holds the report-driven auto-moderation policy: how
// many distinct reports hide a message and which status transitions are
// legal.
package moderation
