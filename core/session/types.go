package session

import (
	"slices"
	"strings"
)

// State identifies a step of the conversation.
type State string

const (
	// StateAwaitingURL waits for a push carrying a URL or an attachment.
	StateAwaitingURL State = "awaiting_url"
	// StateInProgress rejects everything until the outstanding fetch completes.
	StateInProgress State = "in_progress"
	// StateAwaitingName waits for the name the downloaded file will be archived under.
	StateAwaitingName State = "awaiting_name"
)

// Artifact names a downloaded file in the scratch directory.
type Artifact struct {
	Base string
	Ext  string
}

// SplitName splits name on its last dot. A name without a usable extension
// (no dot, leading dot only, or trailing dot) yields an empty Ext.
func SplitName(name string) Artifact {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return Artifact{Base: name}
	}
	return Artifact{Base: name[:i], Ext: name[i+1:]}
}

// FileName joins base and extension.
func (a Artifact) FileName() string {
	return a.Rename(a.Base)
}

// Rename keeps the extension and swaps the base name.
func (a Artifact) Rename(base string) string {
	if a.Ext == "" {
		return base
	}
	return base + "." + a.Ext
}

// IsZero reports whether the artifact is unset.
func (a Artifact) IsZero() bool {
	return a.Base == "" && a.Ext == ""
}

// Session is the single mutable conversation entity.
type Session struct {
	// ID changes every time the session returns to StateAwaitingURL.
	ID    string
	State State
	// Peer is the device that sent the most recent push; replies go there.
	Peer             string
	PendingTarget    string
	Artifact         Artifact
	PendingDeletions []string

	generation uint64
}

func (s *Session) clone() Session {
	c := *s
	c.PendingDeletions = slices.Clone(s.PendingDeletions)
	return c
}
