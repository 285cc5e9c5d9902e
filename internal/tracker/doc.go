// Package tracker manages the Home Assistant entities each user follows.
//
// Adding an entity snapshots its state. Run keeps the snapshots fresh by
// polling every owner's Home Assistant on a fixed interval.
package tracker
