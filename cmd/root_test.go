package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rainpipe/contentfetch/internal/orchestrator"
)

// fakeCrawlService completes every job with a fixed item.
type fakeCrawlService struct {
	mu        sync.Mutex
	next      int
	cancelled int
}

func (f *fakeCrawlService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/crawl_jobs":
		f.next++
		fmt.Fprintf(w, `{"job_uuid":"job-%04d"}`, f.next)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		f.cancelled++
		fmt.Fprint(w, `{}`)
	case strings.HasSuffix(r.URL.Path, "/items"):
		fmt.Fprint(w, `{"items":[{"body":{"title":"Example","text":"fetched body"}}]}`)
	default:
		fmt.Fprint(w, `{"status":"completed"}`)
	}
}

func writeConfig(t *testing.T, crawlURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
logging:
  level: error
store:
  backend: sqlite
sqlite:
  path: %s
lock:
  backend: memory
crawl:
  base_url: %s
orchestrator:
  submit_delay: 0s
`, filepath.Join(dir, "contentfetch.db"), crawlURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{
		"run", "submit", "poll", "retry", "timeouts", "sweep",
		"cancel-pending", "fail-pending", "stats", "serve", "migrate",
	}
	for _, name := range want {
		found, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		require.Equal(t, name, found.Name())
	}
}

func TestSubmitPollAndStats(t *testing.T) {
	crawl := httptest.NewServer(&fakeCrawlService{})
	defer crawl.Close()
	cfg := writeConfig(t, crawl.URL)

	out, err := execute(t, "--config", cfg, "submit", "--bookmark-id", "7", "--url", "https://example.com/7")
	require.NoError(t, err)
	require.Contains(t, out, "job-0001")

	out, err = execute(t, "--config", cfg, "submit", "--bookmark-id", "7", "--url", "https://example.com/7")
	require.NoError(t, err)
	require.Contains(t, out, `"skipped": true`)

	out, err = execute(t, "--config", cfg, "poll")
	require.NoError(t, err)
	var poll orchestrator.PollReport
	require.NoError(t, json.Unmarshal([]byte(out), &poll))
	require.Equal(t, 1, poll.Completed)

	out, err = execute(t, "--config", cfg, "stats")
	require.NoError(t, err)
	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, 1, stats.Jobs.Completed)
	require.Equal(t, 1, stats.Contents.WithContent)
}

func TestRunCycleCommand(t *testing.T) {
	crawl := httptest.NewServer(&fakeCrawlService{})
	defer crawl.Close()
	cfg := writeConfig(t, crawl.URL)

	_, err := execute(t, "--config", cfg, "submit", "--bookmark-id", "1", "--url", "https://example.com/1")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	var report orchestrator.CycleReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, 1, report.Poll.Completed)
	require.NotEmpty(t, report.CycleID)
}

func TestCancelAndFailPending(t *testing.T) {
	service := &fakeCrawlService{}
	crawl := httptest.NewServer(service)
	defer crawl.Close()
	cfg := writeConfig(t, crawl.URL)

	for _, id := range []string{"1", "2"} {
		_, err := execute(t, "--config", cfg, "submit", "--bookmark-id", id, "--url", "https://example.com/"+id)
		require.NoError(t, err)
	}

	out, err := execute(t, "--config", cfg, "cancel-pending")
	require.NoError(t, err)
	var report orchestrator.CancelReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, orchestrator.CancelReport{Cancelled: 2, RemoteCancelled: 2}, report)

	out, err = execute(t, "--config", cfg, "fail-pending")
	require.NoError(t, err)
	require.Contains(t, out, `"failed": 0`)
}

func TestSubmitRequiresCrawlService(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := execute(t, "--config", cfg, "submit", "--bookmark-id", "1", "--url", "https://example.com")
	require.ErrorContains(t, err, "crawl.base_url")
}

func TestSubmitRejectsPartialSingleBookmark(t *testing.T) {
	crawl := httptest.NewServer(&fakeCrawlService{})
	defer crawl.Close()
	cfg := writeConfig(t, crawl.URL)

	_, err := execute(t, "--config", cfg, "submit", "--bookmark-id", "1")
	require.ErrorContains(t, err, "--bookmark-id and --url")
}

func TestMigrateCommand(t *testing.T) {
	cfg := writeConfig(t, "")
	_, err := execute(t, "--config", cfg, "migrate")
	require.NoError(t, err)
}

func TestParseWindow(t *testing.T) {
	window, err := parseWindow("2024-01-01", "2024-02-01")
	require.NoError(t, err)
	require.Equal(t, 2024, window.From.Year())
	require.Equal(t, 2, int(window.To.Month()))

	_, err = parseWindow("2024-02-01", "2024-01-01")
	require.Error(t, err)

	_, err = parseWindow("yesterday", "")
	require.Error(t, err)

	window, err = parseWindow("", "")
	require.NoError(t, err)
	require.True(t, window.From.IsZero())
}
