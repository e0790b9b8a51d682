package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/session"
)

// FetchFile streams target into the scratch file name. Any failure removes
// the partially written file.
func (d *Downloader) FetchFile(ctx context.Context, target, name string) (art session.Artifact, err error) {
	start := time.Now()
	var written int64
	defer func() {
		logger.Info(ctx, component, "file.fetch",
			slog.String("status", logger.Status(err)),
			slog.String("file", name),
			slog.Int64("bytes", written),
			slog.Duration("duration", time.Since(start)),
		)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return session.Artifact{}, fmt.Errorf("downloader: build request: %w", err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return session.Artifact{}, fmt.Errorf("downloader: get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return session.Artifact{}, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	f, err := d.scratch.Create(name)
	if err != nil {
		return session.Artifact{}, err
	}
	written, err = io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if derr := d.scratch.Discard(ctx, name); derr != nil {
			logger.Warn(ctx, component, "file.cleanup",
				slog.String("status", "fail"),
				slog.String("file", name),
				slog.String("err", derr.Error()),
			)
		}
		return session.Artifact{}, fmt.Errorf("downloader: write %s: %w", name, err)
	}
	return session.SplitName(name), nil
}
