// Package progress carries fetch-session milestones from the relay to
// pluggable sinks. The Hub buffers events on a background goroutine, groups
// them into batches and hands each batch to every sink, so a slow database or
// metrics backend never stalls an open event stream.
package progress
