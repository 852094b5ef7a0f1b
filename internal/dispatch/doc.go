// Package dispatch implements the conversion dispatcher: a single-threaded
// worker that owns one engine handle, services conversion requests in arrival
// order, and reports every outcome as an outbound message on the stdout,
// stderr or convert-done channel.
//
// Per-request failures never escape as errors or panics. Each request yields
// exactly one terminal message: convert-done carrying the result as a data URI,
// or stderr describing the failure.
package dispatch
