package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jonwraymond/evalops/config"
	"github.com/jonwraymond/evalops/dispatch"
	"github.com/jonwraymond/evalops/health"
)

const requestsJSONL = `{"id":"a","prompt_variant_id":"v1","prompt":"Is 2+2=4?","sample":{"q":1},"params":{"model":"judge-v1"}}
{"id":"b","prompt_variant_id":"v1","prompt":"Is 2+2=5?","sample":{"q":2},"params":{"model":"judge-v1"}}
{"id":"c","prompt_variant_id":"v2","prompt":"reject me","sample":{"q":3},"params":{"model":"judge-v1"}}
`

// judge answers every prompt except "reject me", which it refuses with 400.
type judge struct {
	calls atomic.Int32
}

func (j *judge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	j.calls.Add(1)
	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Prompt == "reject me" {
		http.Error(w, "prompt rejected", http.StatusBadRequest)
		return
	}
	_, _ = w.Write([]byte(`{"verdict":"ok"}`))
}

func writeConfig(t *testing.T, endpoint string) string {
	t.Helper()
	dir := t.TempDir()
	dbDir := filepath.Join(dir, "cache")
	cfg := `
service:
  name: evalops-test
store:
  backend: badger
  badger:
    path: ` + dbDir + `
resilience:
  retry:
    max_attempts: 2
    initial_delay: 1ms
  fallback: '{"verdict":"unknown"}'
dispatch:
  concurrency_limit: 2
invoker:
  kind: http
  http:
    endpoint: ` + endpoint + `
    require_json: true
observe:
  logging:
    enabled: false
`
	path := filepath.Join(dir, "evalops.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func parseResults(t *testing.T, out string) map[string]resultLine {
	t.Helper()
	results := make(map[string]resultLine)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r resultLine
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("result line %q: %v", sc.Text(), err)
		}
		results[r.ID] = r
	}
	return results
}

func TestRun_ThenCached(t *testing.T) {
	j := &judge{}
	srv := httptest.NewServer(j)
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL)

	out, errOut, err := execute(t, requestsJSONL, "run", "--config", cfgPath)
	if err != nil {
		t.Fatalf("run error = %v\nstderr: %s", err, errOut)
	}
	results := parseResults(t, out)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3: %s", len(results), out)
	}
	for _, id := range []string{"a", "b"} {
		r := results[id]
		if r.Status != "success" || string(r.Value) != `{"verdict":"ok"}` || r.FromCache {
			t.Errorf("result %s = %+v, want fresh success", id, r)
		}
	}
	rejected := results["c"]
	if rejected.Status != "failed" || rejected.ErrorClass != "permanent" || !rejected.Fallback {
		t.Errorf("result c = %+v, want permanent failure with fallback", rejected)
	}
	if string(rejected.Value) != `{"verdict":"unknown"}` {
		t.Errorf("result c value = %s, want fallback", rejected.Value)
	}
	if !strings.Contains(errOut, "3 tasks, 2 succeeded") || !strings.Contains(errOut, "permanent: 1") {
		t.Errorf("summary = %q", errOut)
	}
	// The permanent failure is not retried.
	if got := j.calls.Load(); got != 3 {
		t.Errorf("first run made %d calls, want 3", got)
	}

	out, _, err = execute(t, requestsJSONL, "run", "--config", cfgPath, "--ordered")
	if err != nil {
		t.Fatalf("second run error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("second run wrote %d lines, want 3", len(lines))
	}
	results = parseResults(t, out)
	for _, id := range []string{"a", "b"} {
		if r := results[id]; r.Status != "cache_hit" || !r.FromCache {
			t.Errorf("second run result %s = %+v, want cache hit", id, r)
		}
	}
	if !strings.HasPrefix(lines[0], `{"id":"a"`) || !strings.HasPrefix(lines[2], `{"id":"c"`) {
		t.Errorf("ordered output = %v, want input order", lines)
	}
	if got := j.calls.Load(); got != 4 {
		t.Errorf("total calls = %d, want only the failed request sent again", got)
	}
}

func TestCacheStatsAndSweep(t *testing.T) {
	srv := httptest.NewServer(&judge{})
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL)

	if _, errOut, err := execute(t, requestsJSONL, "run", "-c", cfgPath); err != nil {
		t.Fatalf("run error = %v\nstderr: %s", err, errOut)
	}

	out, _, err := execute(t, "", "cache", "stats", "-c", cfgPath)
	if err != nil {
		t.Fatalf("cache stats error = %v", err)
	}
	var stats statsReport
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("stats output %q: %v", out, err)
	}
	if stats.Backend != "badger" || stats.Loaded != 2 || stats.Entries != 2 || stats.TotalBytes <= 0 {
		t.Errorf("stats = %+v, want two persisted entries", stats)
	}

	out, _, err = execute(t, "", "cache", "sweep", "-c", cfgPath)
	if err != nil {
		t.Fatalf("cache sweep error = %v", err)
	}
	var sweep sweepReport
	if err := json.Unmarshal([]byte(out), &sweep); err != nil {
		t.Fatalf("sweep output %q: %v", out, err)
	}
	if sweep.Kept != 2 || sweep.Swept != 0 || sweep.Expired != 0 {
		t.Errorf("sweep = %+v, want nothing expired", sweep)
	}
}

func TestRun_FileInputOutput(t *testing.T) {
	srv := httptest.NewServer(&judge{})
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL)

	dir := t.TempDir()
	in := filepath.Join(dir, "requests.jsonl")
	outPath := filepath.Join(dir, "results.jsonl")
	if err := os.WriteFile(in, []byte(requestsJSONL), 0o600); err != nil {
		t.Fatal(err)
	}

	_, errOut, err := execute(t, "", "run", "-c", cfgPath, "-i", in, "-o", outPath, "--progress")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(parseResults(t, string(data))); got != 3 {
		t.Errorf("output file has %d results, want 3", got)
	}
	if !strings.Contains(errOut, "progress: 3/3 done") {
		t.Errorf("stderr = %q, want final progress line", errOut)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evalops.yaml")
	if err := os.WriteFile(path, []byte("dispatch:\n  concurrency_limit: -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := execute(t, requestsJSONL, "run", "-c", path)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("run error = %v, want ErrInvalidConfig", err)
	}
}

func TestRun_MissingInvoker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evalops.yaml")
	if err := os.WriteFile(path, []byte("observe:\n  logging:\n    enabled: false\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, _, err := execute(t, requestsJSONL, "run", "-c", path)
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("run error = %v, want ErrInvalidConfig for unset invoker", err)
	}
}

func TestReadRequests(t *testing.T) {
	reqs, err := readRequests(strings.NewReader(requestsJSONL))
	if err != nil {
		t.Fatalf("readRequests() error = %v", err)
	}
	if len(reqs) != 3 || reqs[1].ID != "b" || reqs[2].PromptVariantID != "v2" || reqs[0].Params.Model != "judge-v1" {
		t.Errorf("readRequests() = %+v", reqs)
	}

	_, err = readRequests(strings.NewReader(`{"id":"a"}` + "\n" + `{"id":`))
	if err == nil || !strings.Contains(err.Error(), "request 2") {
		t.Errorf("readRequests(truncated) error = %v, want position", err)
	}
}

func TestToResultLine_TextValue(t *testing.T) {
	line := toResultLine(dispatch.Result{
		TaskID: "x",
		Status: dispatch.StatusSuccess,
		Value:  []byte("plain text verdict"),
	})
	if string(line.Value) != `"plain text verdict"` {
		t.Errorf("Value = %s, want JSON string", line.Value)
	}
	if line.ErrorClass != "" {
		t.Errorf("ErrorClass = %q, want empty for success", line.ErrorClass)
	}
}

func TestApp_HealthAggregator(t *testing.T) {
	srv := httptest.NewServer(&judge{})
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL)

	ctx := context.Background()
	a, err := openApp(ctx, cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.close(ctx)

	_, w, err := a.newDispatcher(ctx)
	if err != nil {
		t.Fatal(err)
	}
	agg := a.healthAggregator(w)

	names := agg.CheckerNames()
	want := []string{"cache", "memory", "circuits"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("CheckerNames() = %v, want %v", names, want)
	}
	results := agg.CheckAll(ctx)
	if got := results["cache"].Status; got != health.StatusHealthy {
		t.Errorf("cache status = %v, want healthy", got)
	}
	if got := results["circuits"].Status; got != health.StatusHealthy {
		t.Errorf("circuits status = %v, want healthy", got)
	}
}
