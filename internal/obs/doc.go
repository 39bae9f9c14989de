// Package obs provides the relay's observability plumbing: logrus setup with
// optional rotated file output, and a process-scoped registry for messages that
// must be logged at most once.
//
// Metrics live in the otel subpackage.
package obs
