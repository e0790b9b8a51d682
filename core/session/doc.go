// Package session implements the conversation lifecycle of the download bot:
// waiting for a URL, waiting on a download, and waiting for the final file
// name. A Machine owns exactly one Session and applies every inbound push,
// download completion and reply acknowledgement from a single goroutine.
package session
