package cli

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/feedcal/internal/client"
	"github.com/lazypower/feedcal/internal/engine"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"FEEDCAL_DB", "FEEDCAL_DB_DRIVER", "FEEDCAL_REDIS_URL", "FEEDCAL_LOG_MODE", "FEEDCAL_ADDR"} {
		t.Setenv(k, "")
	}
}

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestOpenAppWiresConfig(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "feedcal.yaml")
	yaml := "database:\n  path: " + filepath.Join(dir, "feedcal.db") + "\n" +
		"calibration:\n  min_samples: 3\n" +
		"trust:\n  half_life: 48h\n  auto_exclude_margin: 0.5\n"
	if err := os.WriteFile(cfgFile, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	old := configPath
	configPath = cfgFile
	t.Cleanup(func() { configPath = old })

	a, err := openApp(context.Background())
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	if got := a.cal.Params().MinSamples; got != 3 {
		t.Errorf("min samples = %d, want 3", got)
	}
	if got := a.trust.Params(); got.HalfLife != 48*time.Hour || got.AutoExcludeMargin != 0.5 {
		t.Errorf("trust params = %+v", got)
	}

	p, err := a.trust.ApplyFeedback(context.Background(), "src", "@Alice", engine.ActionDislike, time.Time{})
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if v := a.trust.Project(*p); v.Included {
		t.Errorf("one dislike should exceed a 0.5 margin: %+v", v)
	}
	if _, err := os.Stat(filepath.Join(dir, "feedcal.db")); err != nil {
		t.Errorf("database not created at configured path: %v", err)
	}
}

func TestOpenAppKeepsZeroMargin(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "feedcal.yaml")
	yaml := "database:\n  path: " + filepath.Join(dir, "feedcal.db") + "\n" +
		"trust:\n  auto_exclude_margin: 0\n"
	if err := os.WriteFile(cfgFile, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	old := configPath
	configPath = cfgFile
	t.Cleanup(func() { configPath = old })

	a, err := openApp(context.Background())
	if err != nil {
		t.Fatalf("openApp: %v", err)
	}
	defer a.Close()

	if got := a.trust.Params().AutoExcludeMargin; got != 0 {
		t.Errorf("margin = %v, want configured 0", got)
	}
}

func TestOpenAppRejectsBadConfig(t *testing.T) {
	clearEnv(t)
	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(cfgFile, []byte("database:\n  driver: mysql\n"), 0o644)

	old := configPath
	configPath = cfgFile
	t.Cleanup(func() { configPath = old })

	if _, err := openApp(context.Background()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

// feedbackSink records POST /api/feedback bodies and rejects action "boom".
type feedbackSink struct {
	mu     sync.Mutex
	events []client.Feedback
}

func (s *feedbackSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var fb client.Feedback
	json.Unmarshal(body, &fb)
	if fb.Action == "boom" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad action"}`))
		return
	}
	s.mu.Lock()
	s.events = append(s.events, fb)
	s.mu.Unlock()
	w.Write([]byte(`{}`))
}

func TestIngest(t *testing.T) {
	sink := &feedbackSink{}
	ts := httptest.NewServer(sink)
	defer ts.Close()

	oldOwner := ingestOwner
	ingestOwner = "default-owner"
	t.Cleanup(func() { ingestOwner = oldOwner })

	input := strings.Join([]string{
		`# comment`,
		`{"owner_id":"u1","source_id":"src","author_handle":"@a","action":"like"}`,
		``,
		`{"source_id":"src","action":"dislike","occurred_at":"2026-03-01T12:00:00Z"}`,
	}, "\n")

	sent, failed, err := ingest(testCmd(), client.New(ts.URL), strings.NewReader(input))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if sent != 2 || failed != 0 {
		t.Errorf("sent=%d failed=%d, want 2/0", sent, failed)
	}
	if len(sink.events) != 2 || sink.events[1].OwnerID != "default-owner" {
		t.Errorf("events = %+v", sink.events)
	}
}

func TestIngestStopsOnRejection(t *testing.T) {
	ts := httptest.NewServer(&feedbackSink{})
	defer ts.Close()

	input := `{"owner_id":"u1","source_id":"src","action":"boom"}
{"owner_id":"u1","source_id":"src","action":"like"}`

	oldKeep := ingestKeepGoing
	t.Cleanup(func() { ingestKeepGoing = oldKeep })

	ingestKeepGoing = false
	sent, failed, err := ingest(testCmd(), client.New(ts.URL), strings.NewReader(input))
	if err == nil || sent != 0 || failed != 1 {
		t.Errorf("stop: sent=%d failed=%d err=%v", sent, failed, err)
	}

	ingestKeepGoing = true
	sent, failed, err = ingest(testCmd(), client.New(ts.URL), strings.NewReader(input))
	if err != nil || sent != 1 || failed != 1 {
		t.Errorf("keep going: sent=%d failed=%d err=%v", sent, failed, err)
	}
}

func TestIngestRejectsMalformedLine(t *testing.T) {
	ts := httptest.NewServer(&feedbackSink{})
	defer ts.Close()

	_, _, err := ingest(testCmd(), client.New(ts.URL), strings.NewReader("{not json"))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("err = %v, want line 1 error", err)
	}
}
