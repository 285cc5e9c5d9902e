// Package helpdocs serves the built-in help pages.
//
// Pages are markdown files under docs/, embedded into the binary and
// rendered with goldmark when the server starts.
package helpdocs
