// Package homeassistant is a small client for the Home Assistant REST API.
//
// Each user may point at their own instance, so clients are built per
// request through a Connector rather than held globally. GetStates fans
// out with bounded parallelism and tolerates individual failures, which is
// what dashboard and share views want: one unavailable sensor should not
// blank the page.
//
// StateCache is only placed in front of anonymous share-link views, where
// a popular link could otherwise turn every page load into N requests
// against someone's home server.
package homeassistant
