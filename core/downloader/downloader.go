// Package downloader fetches requested targets into the scratch directory,
// either through the yt-dlp binary or by streaming an attachment over HTTP.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/m3rciful/pushgrab/core/session"
)

const component = "download"

var (
	// ErrNoDestination means yt-dlp exited without announcing an output file.
	ErrNoDestination = errors.New("downloader: no destination reported")
	// ErrExitStatus wraps a non-zero yt-dlp exit.
	ErrExitStatus = errors.New("downloader: non-zero exit")
	// ErrHTTPStatus wraps a non-2xx attachment response.
	ErrHTTPStatus = errors.New("downloader: unexpected http status")
)

// Scratch is the part of the storage layer the downloader writes into.
type Scratch interface {
	DownloadDir() string
	Create(name string) (*os.File, error)
	Discard(ctx context.Context, name string) error
}

// Options configures a Downloader.
type Options struct {
	// Binary is the yt-dlp executable, resolved through PATH when bare.
	Binary string
	// Format is passed to yt-dlp -f.
	Format  string
	Scratch Scratch
	// HTTP fetches attachments; http.DefaultClient when nil.
	HTTP *http.Client
}

// Downloader implements session.Downloader.
type Downloader struct {
	binary  string
	format  string
	scratch Scratch
	http    *http.Client
}

var _ session.Downloader = (*Downloader)(nil)

// New validates opts.
func New(opts Options) (*Downloader, error) {
	if opts.Scratch == nil {
		return nil, errors.New("downloader: scratch storage is required")
	}
	if strings.TrimSpace(opts.Binary) == "" {
		return nil, errors.New("downloader: yt-dlp path is required")
	}
	if strings.TrimSpace(opts.Format) == "" {
		opts.Format = "best"
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	return &Downloader{
		binary:  opts.Binary,
		format:  opts.Format,
		scratch: opts.Scratch,
		http:    opts.HTTP,
	}, nil
}

func exitError(code int) error {
	return fmt.Errorf("%w: code %d", ErrExitStatus, code)
}
