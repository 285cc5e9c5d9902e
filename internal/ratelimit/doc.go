// Package ratelimit limits request rates per client IP.
package ratelimit
