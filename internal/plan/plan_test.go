package plan

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ChuLiYu/batchtest/internal/pairlist"
	"github.com/ChuLiYu/batchtest/internal/timerange"
	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(types.DateLayout, s)
	require.NoError(t, err)
	return d
}

func febBucket(t *testing.T) types.MonthBucket {
	return types.MonthBucket{Start: day(t, "20210201"), End: day(t, "20210228"), Kind: types.BucketCalendar}
}

// ============================================================================
// Template / Build
// ============================================================================

func TestParseTemplateEmpty(t *testing.T) {
	for _, s := range []string{"", "   ", "\t\n"} {
		_, err := ParseTemplate(s)
		assert.ErrorIs(t, err, ErrTemplate)
	}

	_, err := Build(febBucket(t), types.ResolvedConfig{}, nil, Template{})
	assert.ErrorIs(t, err, ErrTemplate)
}

func TestBuildAppendsDefaultSuffix(t *testing.T) {
	tmpl, err := ParseTemplate("freqtrade backtesting --strategy aio -c config_test.json --timeframe 5m")
	require.NoError(t, err)

	cfg := types.ResolvedConfig{Path: "pl/daily_20210131.json"}
	job, err := Build(febBucket(t), cfg, []string{"BTC/USDT", "ETH/USDT"}, tmpl)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"freqtrade", "backtesting", "--strategy", "aio", "-c", "config_test.json", "--timeframe", "5m",
		"--timerange", "20210201-20210301", "-p", "BTC/USDT", "ETH/USDT", "-c", "pl/daily_20210131.json",
	}, job.Args)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, job.Chunk)
	assert.Equal(t, cfg, job.Config)
}

func TestBuildExplicitPlaceholders(t *testing.T) {
	tmpl, err := ParseTemplate(`bt run --from {start} --to {end} --pairs "{pairs}" --config={config} --label 'month {start}'`)
	require.NoError(t, err)

	job, err := Build(febBucket(t), types.ResolvedConfig{Path: "a b.json"}, []string{"BTC/USDT", "ETH/USDT"}, tmpl)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"bt", "run", "--from", "20210201", "--to", "20210228",
		"--pairs", "BTC/USDT", "ETH/USDT",
		"--config=a b.json", "--label", "month 20210201",
	}, job.Args)
}

func TestBuildJoinsPairsInsideToken(t *testing.T) {
	tmpl, err := ParseTemplate("bt --pairs={pairs}")
	require.NoError(t, err)

	job, err := Build(febBucket(t), types.ResolvedConfig{}, []string{"A/USDT", "B/USDT"}, tmpl)
	require.NoError(t, err)
	assert.Equal(t, []string{"bt", "--pairs=A/USDT B/USDT"}, job.Args)
}

func TestBuildEmptyChunkDropsPairFlag(t *testing.T) {
	tmpl, err := ParseTemplate("freqtrade backtesting")
	require.NoError(t, err)

	job, err := Build(febBucket(t), types.ResolvedConfig{Path: "c.json"}, nil, tmpl)
	require.NoError(t, err)
	assert.Equal(t, []string{"freqtrade", "backtesting", "--timerange", "20210201-20210301", "-c", "c.json"}, job.Args)
}

// ============================================================================
// Planner
// ============================================================================

type fakeResolver struct {
	configs map[string]types.ResolvedConfig
}

func (f *fakeResolver) Resolve(b types.MonthBucket) (types.ResolvedConfig, error) {
	cfg, ok := f.configs[b.Key()]
	if !ok {
		return types.ResolvedConfig{}, pairlist.ErrConfigNotFound
	}
	cfg.Bucket = b
	return cfg, nil
}

func TestPlannerChunksAndIsolatesBucketErrors(t *testing.T) {
	r, err := timerange.Parse("20210101-20210331", time.Now())
	require.NoError(t, err)
	buckets, err := timerange.Bucketize(r, types.BucketCalendar)
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	resolver := &fakeResolver{configs: map[string]types.ResolvedConfig{
		buckets[0].Key(): {Path: "dec.json", Pairs: []string{"A", "B", "C", "D", "E"}},
		buckets[2].Key(): {Path: "feb.json", Pairs: []string{"X"}},
	}}

	tmpl, err := ParseTemplate("bt")
	require.NoError(t, err)

	p := &Planner{Resolver: resolver, Template: tmpl, ChunkSize: 2}
	out, err := p.Plan(context.Background(), buckets)
	require.NoError(t, err)

	require.Len(t, out.Jobs, 4)
	assert.Equal(t, []string{"A", "B"}, out.Jobs[0].Chunk)
	assert.Equal(t, []string{"C", "D"}, out.Jobs[1].Chunk)
	assert.Equal(t, []string{"E"}, out.Jobs[2].Chunk)
	assert.Equal(t, []string{"X"}, out.Jobs[3].Chunk)
	assert.Equal(t, "feb.json", out.Jobs[3].Config.Path)

	ids := map[types.JobID]bool{}
	for _, j := range out.Jobs {
		assert.False(t, ids[j.ID], "duplicate id %s", j.ID)
		ids[j.ID] = true
	}

	require.Len(t, out.BucketErrors, 1)
	assert.Equal(t, buckets[1], out.BucketErrors[0].Bucket)
	assert.ErrorIs(t, out.BucketErrors[0], pairlist.ErrConfigNotFound)
	assert.Len(t, out.Configs, 2)
}

func TestPlannerNoChunking(t *testing.T) {
	b := febBucket(t)
	pairs := []string{"1", "2", "3", "4", "5", "6", "7"}
	resolver := &fakeResolver{configs: map[string]types.ResolvedConfig{b.Key(): {Path: "x.json", Pairs: pairs}}}

	tmpl, err := ParseTemplate("bt")
	require.NoError(t, err)

	out, err := (&Planner{Resolver: resolver, Template: tmpl, ChunkSize: 0}).Plan(context.Background(), []types.MonthBucket{b})
	require.NoError(t, err)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, pairs, out.Jobs[0].Chunk)
}

func TestPlannerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tmpl, err := ParseTemplate("bt")
	require.NoError(t, err)

	p := &Planner{Resolver: &fakeResolver{}, Template: tmpl}
	_, err = p.Plan(ctx, []types.MonthBucket{febBucket(t)})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPlannerWithRealResolver(t *testing.T) {
	naming := pairlist.DefaultNaming()
	naming.Dir = t.TempDir()
	body := []byte(`{"exchange": {"pair_whitelist": ["BTC/USDT", "ETH/USDT", "SOL/USDT"]}}`)
	require.NoError(t, os.WriteFile(naming.Path(day(t, "20201231")), body, 0644))
	require.NoError(t, os.WriteFile(naming.Path(day(t, "20210131")), body, 0644))

	r, err := timerange.Parse("20210101-20210301", time.Now())
	require.NoError(t, err)
	buckets, err := timerange.Bucketize(r, types.BucketCalendar)
	require.NoError(t, err)

	tmpl, err := ParseTemplate("freqtrade backtesting")
	require.NoError(t, err)

	p := &Planner{
		Resolver:  pairlist.NewResolver(naming, 0, pairlist.NewCache()),
		Template:  tmpl,
		ChunkSize: 2,
	}
	out, err := p.Plan(context.Background(), buckets)
	require.NoError(t, err)
	assert.Empty(t, out.BucketErrors)
	assert.Len(t, out.Jobs, 6)

	// March bucket: February snapshot missing, January used after one step back
	march := out.Configs[2]
	assert.Equal(t, naming.Path(day(t, "20210131")), march.Path)
	assert.Equal(t, 1, march.Fallbacks)
}
