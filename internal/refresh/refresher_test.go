package refresh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/theroutercompany/fixturerefresh/internal/fixture"
	"github.com/theroutercompany/fixturerefresh/pkg/metrics"
)

type recordServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []string
}

// newRecordServer serves each body under its path; unknown paths are 404s.
func newRecordServer(t *testing.T, records map[string]string) *recordServer {
	t.Helper()
	rs := &recordServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.URL.Path)
		rs.mu.Unlock()

		body, ok := records[r.URL.Path]
		if !ok {
			http.Error(w, "record not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/ld+json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordServer) requestCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func newTestRefresher(t *testing.T, srv *recordServer) *Refresher {
	return &Refresher{
		Fetcher: &Fetcher{Client: srv.Client(), UserAgent: "fixturerefresh-test"},
		BaseURL: srv.URL + "/",
		Logger:  zaptest.NewLogger(t).Sugar(),
	}
}

func TestRunRefreshesMatchingFixtures(t *testing.T) {
	objectID := uuid.NewString()
	records := map[string]string{
		"/aat/300411501/something": `{ "id": "http://vocab.getty.edu/aat/300411501/something",  "_label": "fresh" }`,
	}
	records["/museum/collection/object/"+objectID] = `{"id":"https://data.getty.edu/museum/collection/object/` + objectID + `","type":"HumanMadeObject"}`
	srv := newRecordServer(t, records)

	root := t.TempDir()
	numeric := filepath.Join(root, "300411501.json")
	nested := filepath.Join(root, "objects", objectID+".json")
	passthrough := filepath.Join(root, "12.json")
	readme := filepath.Join(root, "readme.json")

	writeFile(t, numeric, `{"id":"http://vocab.getty.edu/aat/300411501/something","_label":"stale"}`)
	writeFile(t, nested, `{"id":"https://data.getty.edu/museum/collection/object/`+objectID+`"}`)
	writeFile(t, passthrough, `{"id":"300411501"}`)
	writeFile(t, readme, `{"id":"http://vocab.getty.edu/aat/1/readme"}`)

	refresher := newTestRefresher(t, srv)
	summary, err := refresher.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Matched != 3 || summary.Refreshed != 2 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Err() != nil {
		t.Fatalf("unexpected failures: %v", summary.Err())
	}
	if summary.RunID == "" {
		t.Fatalf("expected run id")
	}

	if got := readFile(t, numeric); got != `{"id":"http://vocab.getty.edu/aat/300411501/something","_label":"fresh"}` {
		t.Fatalf("numeric fixture not refreshed with upstream key order: %s", got)
	}
	if got := readFile(t, nested); !strings.Contains(got, "HumanMadeObject") {
		t.Fatalf("nested fixture not refreshed: %s", got)
	}
	if got := readFile(t, passthrough); got != `{"id":"300411501"}` {
		t.Fatalf("passthrough fixture modified: %s", got)
	}
	if got := readFile(t, readme); got != `{"id":"http://vocab.getty.edu/aat/1/readme"}` {
		t.Fatalf("non-matching file modified: %s", got)
	}
	if srv.requestCount() != 2 {
		t.Fatalf("expected 2 upstream requests, got %d", srv.requestCount())
	}

	for _, res := range summary.Results {
		if res.Path == passthrough {
			if res.Outcome != OutcomeSkipped || res.URL != "300411501" {
				t.Fatalf("unexpected passthrough result: %+v", res)
			}
		}
	}
}

func TestRunIsolatesPerFileFailures(t *testing.T) {
	srv := newRecordServer(t, map[string]string{
		"/aat/1":   `{"id":"aat/1","ok":true}`,
		"/aat/bad": `<html>not json</html>`,
	})

	root := t.TempDir()
	good := filepath.Join(root, "1.json")
	missing := filepath.Join(root, "2.json")
	invalidBody := filepath.Join(root, "3.json")
	noID := filepath.Join(root, "4.json")
	malformed := filepath.Join(root, "5.json")
	emptyPath := filepath.Join(root, "6.json")

	writeFile(t, good, `{"id":"http://vocab.getty.edu/aat/1"}`)
	writeFile(t, missing, `{"id":"http://vocab.getty.edu/aat/missing"}`)
	writeFile(t, invalidBody, `{"id":"http://vocab.getty.edu/aat/bad"}`)
	writeFile(t, noID, `{"type":"Type"}`)
	writeFile(t, malformed, `{"id":`)
	writeFile(t, emptyPath, `{"id":"http://vocab.getty.edu/"}`)

	refresher := newTestRefresher(t, srv)
	summary, err := refresher.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Refreshed != 1 || summary.Failed != 5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if readFile(t, good) != `{"id":"aat/1","ok":true}` {
		t.Fatalf("good fixture not refreshed")
	}
	if readFile(t, missing) != `{"id":"http://vocab.getty.edu/aat/missing"}` {
		t.Fatalf("fixture rewritten after failed fetch")
	}
	if readFile(t, invalidBody) != `{"id":"http://vocab.getty.edu/aat/bad"}` {
		t.Fatalf("fixture rewritten with invalid body")
	}

	failures := make(map[string]error)
	for _, res := range summary.Failures() {
		failures[res.Path] = res.Err
	}

	var fetchErr *FetchError
	if !errors.As(failures[missing], &fetchErr) || fetchErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 fetch error, got %v", failures[missing])
	}
	if !errors.Is(failures[invalidBody], ErrInvalidBody) {
		t.Fatalf("expected invalid body error, got %v", failures[invalidBody])
	}
	if !errors.Is(failures[noID], fixture.ErrMissingID) {
		t.Fatalf("expected missing id error, got %v", failures[noID])
	}
	if !errors.Is(failures[malformed], fixture.ErrMalformed) {
		t.Fatalf("expected malformed fixture error, got %v", failures[malformed])
	}
	if !errors.Is(failures[emptyPath], fixture.ErrEmptyPath) {
		t.Fatalf("expected empty path error, got %v", failures[emptyPath])
	}

	joined := summary.Err()
	if joined == nil || !strings.Contains(joined.Error(), missing) {
		t.Fatalf("expected joined error naming failed files, got %v", joined)
	}
}

func TestRunDryRunLeavesFilesUntouched(t *testing.T) {
	srv := newRecordServer(t, map[string]string{"/aat/1": `{"id":"aat/1","fresh":true}`})

	root := t.TempDir()
	path := filepath.Join(root, "1.json")
	writeFile(t, path, `{"id":"http://vocab.getty.edu/aat/1"}`)

	refresher := newTestRefresher(t, srv)
	refresher.DryRun = true

	summary, err := refresher.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Refreshed != 1 || summary.Results[0].Written {
		t.Fatalf("unexpected dry run summary: %+v", summary)
	}
	if srv.requestCount() != 1 {
		t.Fatalf("expected dry run to still fetch, got %d requests", srv.requestCount())
	}
	if readFile(t, path) != `{"id":"http://vocab.getty.edu/aat/1"}` {
		t.Fatalf("dry run modified fixture")
	}
}

func TestRunIndentsResponses(t *testing.T) {
	srv := newRecordServer(t, map[string]string{"/aat/1": `{"id":"aat/1","parts":[1,2]}`})

	root := t.TempDir()
	path := filepath.Join(root, "1.json")
	writeFile(t, path, `{"id":"http://vocab.getty.edu/aat/1"}`)

	refresher := newTestRefresher(t, srv)
	refresher.Indent = "  "

	if _, err := refresher.Run(context.Background(), root); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := "{\n  \"id\": \"aat/1\",\n  \"parts\": [\n    1,\n    2\n  ]\n}"
	if got := readFile(t, path); got != want {
		t.Fatalf("unexpected indented fixture:\n%s", got)
	}
}

func TestRunKeepsFileMode(t *testing.T) {
	srv := newRecordServer(t, map[string]string{"/aat/1": `{"id":"aat/1"}`})

	root := t.TempDir()
	path := filepath.Join(root, "1.json")
	writeFile(t, path, `{"id":"http://vocab.getty.edu/aat/1"}`)
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if _, err := newTestRefresher(t, srv).Run(context.Background(), root); err != nil {
		t.Fatalf("run: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600 preserved, got %v", info.Mode().Perm())
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected temp files cleaned up, found %d entries", len(entries))
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			seen := atomic.LoadInt32(&peak)
			if current <= seen || atomic.CompareAndSwapInt32(&peak, seen, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	root := t.TempDir()
	for i := 1; i <= 8; i++ {
		name := filepath.Join(root, strings.Repeat("1", i)+".json")
		writeFile(t, name, `{"id":"http://vocab.getty.edu/aat/1"}`)
	}

	refresher := &Refresher{
		Fetcher:     &Fetcher{Client: srv.Client()},
		BaseURL:     srv.URL + "/",
		Concurrency: 3,
	}

	summary, err := refresher.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Refreshed != 8 {
		t.Fatalf("expected 8 refreshed, got %+v", summary)
	}
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Fatalf("expected at most 3 concurrent fetches, saw %d", p)
	}
}

func TestRunRecordsMetrics(t *testing.T) {
	srv := newRecordServer(t, map[string]string{"/aat/1": `{"id":"aat/1"}`})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "1.json"), `{"id":"http://vocab.getty.edu/aat/1"}`)
	writeFile(t, filepath.Join(root, "2.json"), `{"id":"2"}`)
	writeFile(t, filepath.Join(root, "3.json"), `{"id":"http://vocab.getty.edu/aat/3"}`)

	registry := metrics.NewRegistry(metrics.WithoutDefaultCollectors())
	refresher := newTestRefresher(t, srv)
	refresher.Metrics = registry

	if _, err := refresher.Run(context.Background(), root); err != nil {
		t.Fatalf("run: %v", err)
	}

	expected := `
# HELP fixturerefresh_files_total Fixture files processed, partitioned by outcome.
# TYPE fixturerefresh_files_total counter
fixturerefresh_files_total{outcome="failed"} 1
fixturerefresh_files_total{outcome="refreshed"} 1
fixturerefresh_files_total{outcome="skipped"} 1
`
	if err := testutil.GatherAndCompare(registry.Raw(), strings.NewReader(expected), "fixturerefresh_files_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestRunFailsForMissingRoot(t *testing.T) {
	refresher := &Refresher{}
	if _, err := refresher.Run(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatalf("expected error for missing root")
	}
}

func TestRunHonoursCancelledContext(t *testing.T) {
	srv := newRecordServer(t, map[string]string{"/aat/1": `{"id":"aat/1"}`})

	root := t.TempDir()
	path := filepath.Join(root, "1.json")
	writeFile(t, path, `{"id":"http://vocab.getty.edu/aat/1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := newTestRefresher(t, srv).Run(ctx, root)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Failed != 1 || srv.requestCount() != 0 {
		t.Fatalf("expected cancelled run to skip fetches: %+v", summary)
	}
	if readFile(t, path) != `{"id":"http://vocab.getty.edu/aat/1"}` {
		t.Fatalf("cancelled run modified fixture")
	}
}

func TestRunReportsUnchangedRecords(t *testing.T) {
	srv := newRecordServer(t, map[string]string{
		"/aat/1": `{"_label":"same","id":"http://vocab.getty.edu/aat/1"}`,
		"/aat/2": `{"id":"http://vocab.getty.edu/aat/2","_label":"new"}`,
	})

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "1.json"), "{\n  \"id\": \"http://vocab.getty.edu/aat/1\",\n  \"_label\": \"same\"\n}")
	writeFile(t, filepath.Join(root, "2.json"), `{"id":"http://vocab.getty.edu/aat/2","_label":"old"}`)

	refresher := newTestRefresher(t, srv)
	refresher.Diff = true

	summary, err := refresher.Run(context.Background(), root)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Refreshed != 2 || summary.Changed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	for _, res := range summary.Results {
		switch filepath.Base(res.Path) {
		case "1.json":
			if res.Changed || res.Diff != "" || !res.Written {
				t.Fatalf("expected unchanged record still written: %+v", res)
			}
		case "2.json":
			if !res.Changed || !strings.Contains(res.Diff, `"_label": "new"`) {
				t.Fatalf("expected diff for changed record: %+v", res)
			}
		}
	}
}
