// Package pushstore persists the push delivery manager's durable state —
// subscription registrations and the highest folded change id seen per
// (account, type) — to a BoltDB file, so a restart can rebuild the manager's
// subscription map and its record of the highest change ids seen. The
// manager does not use those ids to suppress pushes, so a change id a
// subscriber already received can be delivered again after a restart.
//
// Everything else the manager tracks (attempt counters, in-flight flags,
// coalesce buffers, the retry set, the verification rate-limit map) is
// restart-local by design and never reaches this package.
package pushstore
