package downloader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/pushgrab/core/logger"
	"github.com/m3rciful/pushgrab/core/session"
)

const maxLine = 1 << 20

var (
	destinationRe = regexp.MustCompile(`^\[\w+\] Destination: (.+)$`)
	alreadyRe     = regexp.MustCompile(`^\[download\] (.+) has already been downloaded$`)
	mergerRe      = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	extRe         = regexp.MustCompile(`^\w{1,5}$`)
)

// parseDestination extracts the output file from one line of yt-dlp stdout.
func parseDestination(line string) (session.Artifact, bool) {
	for _, re := range []*regexp.Regexp{destinationRe, alreadyRe, mergerRe} {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		art := session.SplitName(filepath.Base(m[1]))
		if art.Base == "" || !extRe.MatchString(art.Ext) {
			return session.Artifact{}, false
		}
		return art, true
	}
	return session.Artifact{}, false
}

// FetchURL runs yt-dlp inside the scratch directory. It succeeds only when
// the process exits 0 and announced a destination; the last one wins.
func (d *Downloader) FetchURL(ctx context.Context, target string) (session.Artifact, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, d.binary, "-f", d.format, "--no-playlist", "--no-progress", target)
	cmd.Dir = d.scratch.DownloadDir()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return session.Artifact{}, fmt.Errorf("downloader: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return session.Artifact{}, fmt.Errorf("downloader: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return session.Artifact{}, fmt.Errorf("downloader: start %s: %w", d.binary, err)
	}

	var (
		mu    sync.Mutex
		art   session.Artifact
		found bool
	)
	var g errgroup.Group
	g.Go(func() error {
		return scanLines(stdout, func(line string) {
			logger.Debug(ctx, component, "ytdlp.stdout", slog.String("payload", logger.SanitizeLimit(line, 256)))
			if a, ok := parseDestination(line); ok {
				mu.Lock()
				art, found = a, true
				mu.Unlock()
			}
		})
	})
	g.Go(func() error {
		return scanLines(stderr, func(line string) {
			logger.Debug(ctx, component, "ytdlp.stderr", slog.String("payload", logger.SanitizeLimit(line, 256)))
		})
	})
	scanErr := g.Wait()
	waitErr := cmd.Wait()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	logger.Info(ctx, component, "ytdlp.exit",
		slog.String("status", logger.Status(waitErr)),
		slog.Int("exit_code", code),
		slog.Bool("destination", found),
		slog.Duration("duration", time.Since(start)),
	)

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return session.Artifact{}, fmt.Errorf("downloader: %w", ctx.Err())
	case errors.As(waitErr, &exitErr):
		return session.Artifact{}, exitError(code)
	case waitErr != nil:
		return session.Artifact{}, fmt.Errorf("downloader: wait: %w", waitErr)
	case scanErr != nil:
		return session.Artifact{}, fmt.Errorf("downloader: read output: %w", scanErr)
	case !found:
		return session.Artifact{}, ErrNoDestination
	}
	return art, nil
}

func scanLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		// keep the pipe drained so the child can exit
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
