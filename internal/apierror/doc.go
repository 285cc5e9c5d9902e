// Package apierror defines the error type services use to tell the HTTP
// layer what status and message a failure should produce.
package apierror
