// Package pipeline launches the external job-fetch pipeline and decodes the
// newline-delimited JSON records it writes to standard output. The runner owns
// the subprocess lifetime; the decoder turns an arbitrarily chunked byte stream
// into typed records, discarding any line that is not a recognised record so
// that the pipeline's own log noise never interrupts a fetch.
package pipeline
