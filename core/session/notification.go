package session

import (
	"net/url"
	"path"
	"strings"
)

// Kind is the variant of an inbound push, decided once by Classify.
type Kind int

const (
	// KindOther carries nothing the conversation can use.
	KindOther Kind = iota
	// KindAttachment carries a file uploaded to the relay.
	KindAttachment
	// KindURL carries a link for the external downloader.
	KindURL
	// KindText carries only a text body.
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindAttachment:
		return "attachment"
	case KindURL:
		return "url"
	case KindText:
		return "text"
	default:
		return "other"
	}
}

// Raw holds the relay fields the conversation looks at.
type Raw struct {
	ID       string
	Peer     string
	URL      string
	FileURL  string
	FileName string
	Body     string
}

// Notification is a classified inbound push.
type Notification struct {
	Raw
	Kind Kind
}

// Classify trims the raw fields and picks the variant. Attachments win over
// links. An attachment without a file name takes the last segment of its URL
// path; one whose name cannot be derived is classified as KindOther.
func Classify(r Raw) Notification {
	r.URL = strings.TrimSpace(r.URL)
	r.FileURL = strings.TrimSpace(r.FileURL)
	r.FileName = strings.TrimSpace(r.FileName)

	n := Notification{Raw: r}
	switch {
	case r.FileURL != "":
		name := r.FileName
		if name == "" {
			name = nameFromURL(r.FileURL)
		}
		name = path.Base(strings.ReplaceAll(name, "\\", "/"))
		if name == "." || name == "/" || name == ".." || name == "" {
			return n
		}
		n.FileName = name
		n.Kind = KindAttachment
	case r.URL != "":
		n.Kind = KindURL
	case strings.TrimSpace(r.Body) != "":
		n.Kind = KindText
	}
	return n
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return path.Base(u.Path)
}
