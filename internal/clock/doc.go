// Package clock lets services read the time through an interface.
//
// Production wiring passes Real(). Tests pass Fake(t) and move time with
// Advance, which makes share-link expiry, token TTLs, and the entity
// refresh loop deterministic.
package clock
