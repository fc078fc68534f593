package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/batchtest/internal/pairlist"
	"github.com/stretchr/testify/require"
)

// fakeBacktester mimics freqtrade: it writes one result file and one meta
// file per call into the directory given as first argument.
const fakeBacktester = `#!/bin/sh
out="$1"; shift
tr=""
while [ $# -gt 0 ]; do
  case "$1" in
    --timerange) tr="$2"; shift 2 ;;
    *) shift ;;
  esac
done
name="backtest-result-$tr-$$"
echo '{"strategy": {}}' > "$out/$name.json"
echo '{}' > "$out/$name.meta.json"
echo "backtested $tr"
`

const fakeRenderer = `#!/bin/sh
echo "rendered $(basename "$1") with $(basename "$2")"
`

type env struct {
	dir     string
	naming  pairlist.Naming
	results string
	output  string
}

func requireShell(tb testing.TB) {
	tb.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		tb.Skip("/bin/sh not available")
	}
}

// newEnv writes a pairlist for the last day of every month between from and
// to (inclusive), each listing pairs.
func newEnv(tb testing.TB, from, to time.Time, pairs string) *env {
	tb.Helper()
	dir := tb.TempDir()

	e := &env{
		dir:     dir,
		naming:  pairlist.DefaultNaming(),
		results: filepath.Join(dir, "results"),
		output:  filepath.Join(dir, "output"),
	}
	e.naming.Dir = filepath.Join(dir, "pairlists")
	for _, d := range []string{e.naming.Dir, e.results, e.output} {
		require.NoError(tb, os.MkdirAll(d, 0755))
	}

	body := []byte(`{"exchange": {"pair_whitelist": ` + pairs + `}}`)
	for m := from; !m.After(to); m = m.AddDate(0, 1, 0) {
		monthEnd := time.Date(m.Year(), m.Month()+1, 0, 0, 0, 0, 0, time.UTC)
		require.NoError(tb, os.WriteFile(e.naming.Path(monthEnd), body, 0644))
	}
	return e
}

func (e *env) script(tb testing.TB, name, body string) string {
	tb.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(tb, os.WriteFile(path, []byte(body), 0755))
	return path
}

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
