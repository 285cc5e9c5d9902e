// Package notify tells link owners when their share links change state.
//
// The sharing service emits an Event when a counter link runs out, when a
// time link expires, and when an entity is triggered through a public link.
// Delivery is fire-and-forget: a slow or failing homeserver never delays
// or fails the HTTP request that caused the event.
package notify
