package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/pushgrab/core/session"
	"github.com/m3rciful/pushgrab/core/storage"
)

func newScratch(t *testing.T) *storage.Dirs {
	t.Helper()
	d, err := storage.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	return d
}

// fakeYTDLP writes an executable shell script standing in for yt-dlp.
func fakeYTDLP(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "yt-dlp")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newDownloader(t *testing.T, bin string, scratch Scratch) *Downloader {
	t.Helper()
	d, err := New(Options{Binary: bin, Format: "best", Scratch: scratch})
	require.NoError(t, err)
	return d
}

func TestParseDestination(t *testing.T) {
	cases := []struct {
		line string
		want session.Artifact
		ok   bool
	}{
		{"[download] Destination: movie.mp4", session.Artifact{Base: "movie", Ext: "mp4"}, true},
		{"[download] Destination: My Clip [abc123].webm", session.Artifact{Base: "My Clip [abc123]", Ext: "webm"}, true},
		{"[download] /tmp/dl/old.mkv has already been downloaded", session.Artifact{Base: "old", Ext: "mkv"}, true},
		{`[Merger] Merging formats into "joined.mkv"`, session.Artifact{Base: "joined", Ext: "mkv"}, true},
		{"[ExtractAudio] Destination: song.mp3", session.Artifact{Base: "song", Ext: "mp3"}, true},
		{"[download] Destination: noext", session.Artifact{}, false},
		{"[download] Destination: weird.toolongext", session.Artifact{}, false},
		{"[youtube] abc: Downloading webpage", session.Artifact{}, false},
		{"[download] 100% of 1.00MiB", session.Artifact{}, false},
	}
	for _, tc := range cases {
		got, ok := parseDestination(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		assert.Equal(t, tc.want, got, tc.line)
	}
}

func TestFetchURLLastDestinationWins(t *testing.T) {
	scratch := newScratch(t)
	argsFile := filepath.Join(t.TempDir(), "args")
	bin := fakeYTDLP(t, `echo "$@" > "`+argsFile+`"
pwd > "`+argsFile+`.cwd"
echo "[youtube] x: Downloading webpage"
echo "[download] Destination: first.f1.mp4"
echo "[download] Destination: movie.mp4"
echo "some warning" >&2
exit 0`)

	art, err := newDownloader(t, bin, scratch).FetchURL(context.Background(), "https://x/y.mp4")
	require.NoError(t, err)
	assert.Equal(t, session.Artifact{Base: "movie", Ext: "mp4"}, art)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "-f best --no-playlist --no-progress https://x/y.mp4", strings.TrimSpace(string(args)))

	cwd, err := os.ReadFile(argsFile + ".cwd")
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(scratch.DownloadDir())
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(string(cwd)))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFetchURLAlreadyDownloaded(t *testing.T) {
	bin := fakeYTDLP(t, `echo "[download] movie.mp4 has already been downloaded"`)
	art, err := newDownloader(t, bin, newScratch(t)).FetchURL(context.Background(), "https://x/y")
	require.NoError(t, err)
	assert.Equal(t, "movie.mp4", art.FileName())
}

func TestFetchURLNonZeroExit(t *testing.T) {
	bin := fakeYTDLP(t, `echo "[download] Destination: movie.mp4"
exit 2`)
	_, err := newDownloader(t, bin, newScratch(t)).FetchURL(context.Background(), "https://x/y")
	require.ErrorIs(t, err, ErrExitStatus)
	assert.Contains(t, err.Error(), "code 2")
}

func TestFetchURLNoDestination(t *testing.T) {
	bin := fakeYTDLP(t, `echo "[generic] nothing to see"`)
	_, err := newDownloader(t, bin, newScratch(t)).FetchURL(context.Background(), "https://x/y")
	require.ErrorIs(t, err, ErrNoDestination)
}

func TestFetchURLMissingBinary(t *testing.T) {
	d := newDownloader(t, filepath.Join(t.TempDir(), "absent"), newScratch(t))
	_, err := d.FetchURL(context.Background(), "https://x/y")
	require.Error(t, err)
}

func TestFetchFileWritesScratch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("attachment-bytes"))
	}))
	defer srv.Close()

	scratch := newScratch(t)
	art, err := newDownloader(t, "yt-dlp", scratch).FetchFile(context.Background(), srv.URL+"/f/report.pdf", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, session.Artifact{Base: "report", Ext: "pdf"}, art)

	data, err := os.ReadFile(scratch.ScratchPath("report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "attachment-bytes", string(data))
}

func TestFetchFileHTTPErrorLeavesNothing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	scratch := newScratch(t)
	_, err := newDownloader(t, "yt-dlp", scratch).FetchFile(context.Background(), srv.URL, "report.pdf")
	require.ErrorIs(t, err, ErrHTTPStatus)

	_, statErr := os.Stat(scratch.ScratchPath("report.pdf"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFetchFileTruncatedBodyRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	scratch := newScratch(t)
	_, err := newDownloader(t, "yt-dlp", scratch).FetchFile(context.Background(), srv.URL, "clip.mp4")
	require.Error(t, err)

	_, statErr := os.Stat(scratch.ScratchPath("clip.mp4"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Binary: "yt-dlp"})
	assert.Error(t, err)
	_, err = New(Options{Scratch: newScratch(t)})
	assert.Error(t, err)
}
