package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonwraymond/evalops/dispatch"
	"github.com/jonwraymond/evalops/fingerprint"
	"github.com/jonwraymond/evalops/health"
	"github.com/jonwraymond/evalops/observe"
)

type runOptions struct {
	*rootOptions
	input      string
	output     string
	healthAddr string
	ordered    bool
	progress   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a JSONL file of requests",
		Long: `Reads one JSON request per line, serves what it can from the cache,
dispatches the rest to the configured invoker and writes one JSON result per
line. A summary is printed to stderr when the batch ends.

Interrupting the run stops new dispatch; calls already in flight finish and
every request still appears in the output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "-", "request file, - for stdin")
	f.StringVarP(&opts.output, "output", "o", "-", "result file, - for stdout")
	f.StringVar(&opts.healthAddr, "health-addr", "", "serve health probes on this address (overrides health.addr)")
	f.BoolVar(&opts.ordered, "ordered", false, "emit results in input order (overrides dispatch.ordered)")
	f.BoolVar(&opts.progress, "progress", false, "print progress to stderr")
	return cmd
}

// requestLine is one line of the input file.
type requestLine struct {
	ID              string             `json:"id"`
	PromptVariantID string             `json:"prompt_variant_id"`
	Prompt          string             `json:"prompt"`
	Sample          any                `json:"sample"`
	Params          fingerprint.Params `json:"params"`
	Target          string             `json:"target"`
}

// resultLine is one line of the output file.
type resultLine struct {
	ID          string          `json:"id"`
	Index       int             `json:"index"`
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status"`
	Value       json.RawMessage `json:"value,omitempty"`
	Fallback    bool            `json:"fallback,omitempty"`
	FromCache   bool            `json:"from_cache,omitempty"`
	Coalesced   bool            `json:"coalesced,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	ErrorClass  string          `json:"error_class,omitempty"`
	Error       string          `json:"error,omitempty"`
	LatencyMS   int64           `json:"latency_ms"`
}

func toResultLine(r dispatch.Result) resultLine {
	line := resultLine{
		ID:          r.TaskID,
		Index:       r.Index,
		Fingerprint: r.Fingerprint.String(),
		Status:      string(r.Status),
		Fallback:    r.FallbackApplied,
		FromCache:   r.FromCache,
		Coalesced:   r.Coalesced,
		Attempts:    r.Attempts,
		Error:       r.ErrorDetail,
		LatencyMS:   r.Latency.Milliseconds(),
	}
	if r.Failed() {
		line.ErrorClass = r.ErrorClass.String()
	}
	if len(r.Value) > 0 {
		if json.Valid(r.Value) {
			line.Value = r.Value
		} else {
			line.Value, _ = json.Marshal(string(r.Value))
		}
	}
	return line
}

// readRequests decodes a stream of JSON request objects.
func readRequests(r io.Reader) ([]dispatch.Request, error) {
	dec := json.NewDecoder(r)
	var reqs []dispatch.Request
	for {
		var line requestLine
		err := dec.Decode(&line)
		if errors.Is(err, io.EOF) {
			return reqs, nil
		}
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", len(reqs)+1, err)
		}
		reqs = append(reqs, dispatch.Request{
			ID:              line.ID,
			PromptVariantID: line.PromptVariantID,
			Prompt:          line.Prompt,
			Sample:          line.Sample,
			Params:          line.Params,
			Target:          line.Target,
		})
	}
}

func runBatch(ctx context.Context, opts *runOptions, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	in, closeIn, err := openInput(opts.input, stdin)
	if err != nil {
		return err
	}
	reqs, err := readRequests(in)
	closeIn()
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(opts.output, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeOut(); err == nil {
			err = cerr
		}
	}()

	a, err := openApp(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()
	if opts.ordered {
		a.cfg.Dispatch.Ordered = true
	}

	d, w, err := a.newDispatcher(ctx)
	if err != nil {
		return err
	}
	a.cache.Start(ctx)

	addr := a.cfg.Health.Addr
	if opts.healthAddr != "" {
		addr = opts.healthAddr
	}
	if addr != "" {
		srv := startHealth(ctx, a.logger, addr, a.healthAggregator(w))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	b, err := d.Submit(ctx, reqs)
	if err != nil {
		return err
	}
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		if opts.progress {
			reportProgress(stderr, b.Progress())
		}
	}()

	enc := json.NewEncoder(out)
	var writeErr error
	for r := range b.Results() {
		if writeErr != nil {
			continue
		}
		if writeErr = enc.Encode(toResultLine(r)); writeErr != nil {
			b.Cancel()
		}
	}
	summary := b.Wait()
	<-progressDone
	printSummary(stderr, summary)
	if writeErr != nil {
		return fmt.Errorf("write results: %w", writeErr)
	}
	return nil
}

func startHealth(ctx context.Context, logger observe.Logger, addr string, agg *health.Aggregator) *http.Server {
	srv := health.NewServer(addr, agg)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "health server failed", observe.F("addr", addr), observe.F("error", err))
		}
	}()
	logger.Info(ctx, "health server listening", observe.F("addr", addr))
	return srv
}

func reportProgress(w io.Writer, ch <-chan dispatch.Progress) {
	for p := range ch {
		fmt.Fprintf(w, "progress: %d/%d done, %d failed, %d cached, eta %s\n",
			p.Completed, p.Total, p.Failed, p.CacheHits, p.EstimatedRemaining.Round(time.Second))
	}
}

func printSummary(w io.Writer, s dispatch.Summary) {
	fmt.Fprintf(w, "batch %s: %d tasks, %d succeeded (%d cached, hit rate %.1f%%), %d failed (%d canceled) in %s\n",
		s.BatchID, s.Total, s.Succeeded, s.CacheHits, 100*s.HitRate(), s.Failed, s.Canceled, s.Elapsed.Round(time.Millisecond))
	classes := slices.Sorted(maps.Keys(s.FailuresByClass))
	for _, class := range classes {
		fmt.Fprintf(w, "  %s: %d\n", class, s.FailuresByClass[class])
	}
}

func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func openOutput(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "-" {
		return stdout, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
