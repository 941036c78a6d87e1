package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/inference-engine/engine"
	"github.com/inference-sim/inference-engine/engine/backend/synthetic"
	"github.com/inference-sim/inference-engine/engine/workload"
)

// newTestRunCmd returns a run command with fresh flag state.
func newTestRunCmd() *cobra.Command {
	c := &cobra.Command{Use: "run", RunE: runCmd.RunE}
	registerRunFlags(c)
	return c
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestResolveConfig_UnchangedFlagsKeepFileValues(t *testing.T) {
	// GIVEN a config file setting total_blocks and a flag setting max-num-seqs
	c := newTestRunCmd()
	require.NoError(t, c.Flags().Set("config", writeFile(t, "engine.yaml", "cache:\n  total_blocks: 64\n")))
	require.NoError(t, c.Flags().Set("max-num-seqs", "3"))

	// WHEN resolved
	cfg, err := resolveConfig(c)

	// THEN the file value survives the flag default and the explicit flag wins
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Cache.TotalBlocks)
	assert.Equal(t, 3, cfg.Batch.MaxSequences)
	assert.Equal(t, engine.DefaultConfig().Batch.MaxBatchTokens, cfg.Batch.MaxBatchTokens)
}

func TestResolveConfig_InvalidOverride_Errors(t *testing.T) {
	c := newTestRunCmd()
	require.NoError(t, c.Flags().Set("eviction-policy", "random"))

	_, err := resolveConfig(c)

	assert.ErrorContains(t, err, "random")
}

func TestResolveWorkload_SeedOverrideChangesWorkload(t *testing.T) {
	// GIVEN the same spec under two CLI seeds
	generate := func(seed string) []workload.Item {
		c := newTestRunCmd()
		require.NoError(t, c.Flags().Set("seed", seed))
		require.NoError(t, c.Flags().Set("num-requests", "10"))
		spec, err := resolveWorkload(c)
		require.NoError(t, err)
		items, err := workload.Generate(spec)
		require.NoError(t, err)
		return items
	}

	// WHEN generated
	a, b, again := generate("100"), generate("200"), generate("100")

	// THEN different seeds differ and the same seed reproduces
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, again)
}

func TestLoadWorkloadSpec_UnknownField_Errors(t *testing.T) {
	_, err := loadWorkloadSpec(writeFile(t, "workload.yaml", "num_request: 5\n"))
	assert.Error(t, err)
}

func TestLoadWorkloadSpec_OverlaysDefaults(t *testing.T) {
	spec, err := loadWorkloadSpec(writeFile(t, "workload.yaml", "num_requests: 5\nprompt:\n  mean: 10\n  min: 5\n  max: 20\n"))

	require.NoError(t, err)
	assert.Equal(t, 5, spec.NumRequests)
	assert.Equal(t, 20, spec.Prompt.Max)
	assert.Equal(t, workload.DefaultSpec().Output, spec.Output)
}

func TestValidateConfig_PrintsSummary(t *testing.T) {
	var buf bytes.Buffer
	c := &cobra.Command{RunE: validateConfigCmd.RunE}
	c.SetOut(&buf)

	require.NoError(t, c.RunE(c, []string{writeFile(t, "engine.yaml", "policy:\n  eviction: lifo\n")}))

	assert.Contains(t, buf.String(), "eviction lifo")
	assert.Error(t, c.RunE(c, []string{writeFile(t, "bad.yaml", "policy:\n  eviction: coin\n")}))
}

func TestRun_SyntheticWorkloadEndToEnd(t *testing.T) {
	// GIVEN eight burst requests on a pool that holds only two of them at once
	var buf bytes.Buffer
	c := newTestRunCmd()
	c.SetOut(&buf)
	c.SetArgs([]string{
		"--num-requests", "8", "--rate", "0",
		"--prompt-tokens", "8", "--prompt-tokens-stdev", "2", "--prompt-tokens-min", "4", "--prompt-tokens-max", "12",
		"--output-tokens", "4", "--output-tokens-stdev", "0", "--output-tokens-min", "4", "--output-tokens-max", "4",
		"--total-kv-blocks", "8", "--block-size-in-tokens", "4", "--vocab-size", "64",
		"--trace-level", "decisions",
	})

	// WHEN run
	require.NoError(t, c.Execute())

	// THEN every request completes with its full output
	out := buf.String()
	assert.Contains(t, out, "=== Engine Metrics ===")
	assert.Contains(t, out, "Completed Sequences  : 8")
	assert.Contains(t, out, "Streamed Tokens      : 32")
	assert.Contains(t, out, "=== Decision Trace ===")
	assert.Contains(t, out, "TTFT")
}

func TestReport_PrintSkipsEmptyDistributions(t *testing.T) {
	var buf bytes.Buffer
	Report{Submitted: 2, Rejected: 2}.Print(&buf)

	assert.Contains(t, buf.String(), "Submitted / Rejected : 2 / 2")
	assert.NotContains(t, buf.String(), "TTFT")
}

// failingPoll loses every stream and records when Run returns.
type failingPoll struct {
	*engine.Engine
	runDone atomic.Bool
}

func (f *failingPoll) Run(ctx context.Context) error {
	defer f.runDone.Store(true)
	return f.Engine.Run(ctx)
}

func (f *failingPoll) Poll(id engine.SequenceID) (*engine.Stream, error) {
	return nil, errors.Wrapf(engine.ErrUnknownSequence, "poll %s", id)
}

func TestDrive_PollFailureStopsEngine(t *testing.T) {
	// GIVEN an engine whose streams cannot be claimed
	backend, err := synthetic.New(synthetic.Config{VocabSize: 32})
	require.NoError(t, err)
	e, err := engine.New(engine.DefaultConfig(), backend)
	require.NoError(t, err)
	f := &failingPoll{Engine: e}
	items := []workload.Item{{Request: engine.Request{Prompt: []int{1, 2}, Sampling: engine.SamplingConfig{MaxTokens: 2}}}}

	// WHEN driven
	_, err = drive(context.Background(), f, items)

	// THEN the error is reported only after the engine was closed and Run returned
	assert.ErrorIs(t, err, engine.ErrUnknownSequence)
	assert.True(t, f.runDone.Load())
	_, err = e.Submit(items[0].Request)
	assert.ErrorIs(t, err, engine.ErrEngineClosed)
}
