// Package turbodl provides a performant parallel ranged-download engine.
// Given a URL, it probes the remote resource, computes an adaptive chunk
// partition and worker count from the file size and an advertised link
// speed, fetches the chunks concurrently with retry and backoff, optionally
// staging bytes through an in-memory ring buffer to decouple network
// ingress from disk egress, and finalizes the result (hash verification,
// collision-safe rename).
//
// The engine is headless: progress is reported through an injected Sink,
// and nothing is written to stdout/stderr unless the caller sets
// Options.ShowProgress without a Sink (which renders a progress bar on
// stderr) or wires a Sink or a *log.Logger that does so.
package turbodl
