// Package historycache keeps a bounded, per-conversation window of recent
// messages, collects windows that went quiet, and serves recent history to
// other modules with a single platform backfill when the window runs short.
package historycache
