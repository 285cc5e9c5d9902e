// Package hatest provides a fake Home Assistant HTTP server for tests.
package hatest
