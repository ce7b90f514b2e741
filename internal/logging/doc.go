// Package logging provides structured logging for crewd built on zap.
//
// Loggers are context-aware: every log method accepts a context.Context and
// automatically attaches correlation fields found there, including the
// OpenTelemetry trace/span ids and the workflow, session, chain, and request
// ids set by the engine and HTTP layer.
//
// A custom Trace level below Debug exists for wire-level provider traffic.
// Credential-named fields are redacted at the encoder.
package logging
