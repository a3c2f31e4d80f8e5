package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fiscal-docs-harvester/internal/acquire"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/config"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/ledger"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/pipeline"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/registry"
	"github.com/JakeFAU/fiscal-docs-harvester/internal/storage/memory"
)

type fakeRunner struct {
	sum       pipeline.Summary
	err       error
	opts      pipeline.Options
	ran       bool
	retried   bool
	retryPath string
	closed    bool
}

func (f *fakeRunner) Run(_ context.Context, opts pipeline.Options) (pipeline.Summary, error) {
	f.ran = true
	f.opts = opts
	return f.sum, f.err
}

func (f *fakeRunner) RetryFailures(_ context.Context, path string) (pipeline.Summary, error) {
	f.retried = true
	f.retryPath = path
	return f.sum, f.err
}

func (f *fakeRunner) Close(context.Context) error {
	f.closed = true
	return nil
}

// useRunner swaps the pipeline factory for the duration of a test. Tests that
// call it must not run in parallel.
func useRunner(t *testing.T, r *fakeRunner) *config.Config {
	t.Helper()
	var seen config.Config
	prev := newRunner
	newRunner = func(_ context.Context, cfg config.Config, _ pipeline.Options, _ *zap.Logger) (Runner, error) {
		seen = cfg
		return r, nil
	}
	t.Cleanup(func() { newRunner = prev })
	return &seen
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRootFlagsOptions(t *testing.T) {
	t.Parallel()

	f := rootFlags{
		years:   []string{"2024 2025", "2026"},
		sources: []string{"all"},
		types:   []string{"pdf", "xlsx csv"},
		since:   "2026-03-01",
		workers: 6,
		noGUI:   true,
	}
	opts, err := f.options(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024", "2025", "2026"}, opts.Years)
	assert.Equal(t, []string{"all"}, opts.Sources)
	assert.Equal(t, []string{"pdf", "xlsx", "csv"}, opts.Types)
	assert.Equal(t, 6, opts.Workers)
	assert.False(t, opts.Interactive)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.Local), opts.Since)

	_, err = rootFlags{since: "March 1"}.options(nil, nil)
	require.Error(t, err)
	_, err = rootFlags{workers: -1}.options(nil, nil)
	require.Error(t, err)
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ExitOK, exitCode(nil))
	assert.Equal(t, ExitFailed, exitCode(&exitError{code: ExitFailed}))
	assert.Equal(t, ExitInvalid, exitCode(classify(fmt.Errorf("wrap: %w", pipeline.ErrInvalidInput))))
	assert.Equal(t, ExitFailed, exitCode(classify(errors.New("ledger unreachable"))))
	assert.Equal(t, ExitInvalid, exitCode(errors.New("unknown flag: --bogus")))
}

func TestHarvestSucceeds(t *testing.T) {
	r := &fakeRunner{sum: pipeline.Summary{Succeeded: 3, Skipped: 1}}
	cfg := useRunner(t, r)

	code, _, stderr := run("--years", "2025,2026", "--sources", "lbb", "--output", t.TempDir(), "--no-gui", "--list")
	assert.Equal(t, ExitOK, code)
	assert.True(t, r.ran)
	assert.False(t, r.retried)
	assert.True(t, r.closed)
	assert.Equal(t, []string{"2025", "2026"}, r.opts.Years)
	assert.Equal(t, []string{"lbb"}, r.opts.Sources)
	assert.True(t, r.opts.List)
	assert.NotEmpty(t, cfg.Output.Dir)
	assert.Contains(t, stderr, "succeeded=3 skipped=1 failed=0")
}

func TestHarvestWithFailuresExitsNonZero(t *testing.T) {
	desc := acquire.FileDescriptor{URL: "https://example.gov/missing.pdf"}
	r := &fakeRunner{sum: pipeline.Summary{
		Succeeded: 1,
		Failed:    1,
		Outcomes:  []acquire.Outcome{acquire.Failed(desc, "", 1, &acquire.NetworkError{URL: desc.URL, Permanent: true, Err: errors.New("404")})},
	}}
	useRunner(t, r)

	code, _, stderr := run("--no-gui")
	assert.Equal(t, ExitFailed, code)
	assert.Contains(t, stderr, "FAILED https://example.gov/missing.pdf")
	assert.Contains(t, stderr, "failed=1")
	assert.NotContains(t, stderr, "error:")
}

func TestRetryFailuresFlag(t *testing.T) {
	r := &fakeRunner{}
	useRunner(t, r)
	code, _, _ := run("--retry-failures")
	assert.Equal(t, ExitOK, code)
	assert.True(t, r.retried)
	assert.False(t, r.ran)
	assert.Empty(t, r.retryPath)

	r2 := &fakeRunner{}
	useRunner(t, r2)
	code, _, _ = run("--retry-failures=/tmp/failed_downloads.json")
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "/tmp/failed_downloads.json", r2.retryPath)
}

func TestInvalidInputExitsTwo(t *testing.T) {
	r := &fakeRunner{err: fmt.Errorf("%w: unknown source %q", pipeline.ErrInvalidInput, "nope")}
	useRunner(t, r)

	code, _, stderr := run("--sources", "nope")
	assert.Equal(t, ExitInvalid, code)
	assert.Contains(t, stderr, "unknown source")

	code, _, _ = run("--since", "yesterday")
	assert.Equal(t, ExitInvalid, code)

	code, _, _ = run("--bogus")
	assert.Equal(t, ExitInvalid, code)
}

func TestSourcesCommand(t *testing.T) {
	prev := sourceRegistry
	sourceRegistry = func() *registry.Registry {
		reg, err := registry.New(
			registry.Source{ID: "treasury", Label: "Treasury", Strategy: registry.StrategyDirect, DefaultTemplates: []string{"https://example.gov/{year}/"}, FirstYear: 2020},
			registry.Source{ID: "board", Label: "Budget Board", Strategy: registry.StrategyBrowser, DefaultTemplates: []string{"https://board.example.gov/{year}/"}, FirstYear: 2018, LastYear: 2024},
		)
		if err != nil {
			panic(err)
		}
		return reg
	}
	t.Cleanup(func() { sourceRegistry = prev })

	code, stdout, _ := run("sources")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "treasury")
	assert.Contains(t, stdout, "2020-current")
	assert.Contains(t, stdout, "2018-2024")
	assert.Contains(t, stdout, string(registry.StrategyBrowser))
}

func TestFailuresCommand(t *testing.T) {
	store := memory.NewLedgerStore()
	ctx := context.Background()
	require.NoError(t, store.PutFailure(ctx, acquire.FailureRecord{
		URL: "https://example.gov/b.pdf", Source: "treasury", Year: 2026, Error: "503", ErrorKind: acquire.KindNetworkTransient,
	}))
	require.NoError(t, store.PutFailure(ctx, acquire.FailureRecord{
		URL: "https://example.gov/a.pdf", Source: "treasury", Year: 2025, Error: "404", ErrorKind: acquire.KindNetworkPermanent,
	}))
	prev := openLedger
	openLedger = func(context.Context, config.Config) (ledger.Store, error) { return store, nil }
	t.Cleanup(func() { openLedger = prev })

	code, stdout, _ := run("failures")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, stdout, "2 failure(s)")
	assert.Less(t, bytes.Index([]byte(stdout), []byte("a.pdf")), bytes.Index([]byte(stdout), []byte("b.pdf")))
}
