// Package audit provides an extension that records task, run, and cron
// lifecycle events as structured audit entries via a pluggable Recorder.
package audit
