// ============================================================================
// batchtest Pairlist Resolver
// ============================================================================
//
// Package: internal/pairlist
// File: resolver.go
// Purpose: Locate the pairlist snapshot that applies to a bucket
//
// Lookup rule:
//   A bucket uses the snapshot taken on the last day of the month before the
//   bucket's reference month (no look-ahead). When that file is missing the
//   resolver steps back one month at a time, logging a warning for every
//   miss, until a file is found or MaxLookback months were examined.
//
// File format:
//   JSON with line comments. Any line whose trimmed text starts with "//" is
//   dropped before parsing. The whitelist lives at exchange.pair_whitelist.
//
// Caching:
//   Results are memoized in a caller-owned Cache keyed by the resolved path,
//   with an alias from the first target so a repeated month skips the walk.
//
// ============================================================================

package pairlist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/batchtest/pkg/types"
)

// DefaultMaxLookback bounds the backward search.
const DefaultMaxLookback = 24

// Resolver finds and parses pairlist snapshots.
type Resolver struct {
	Naming      Naming
	MaxLookback int    // months to examine, including the first target
	Cache       *Cache // nil disables memoization
}

// NewResolver creates a resolver with its own cache.
func NewResolver(naming Naming, maxLookback int, cache *Cache) *Resolver {
	if maxLookback <= 0 {
		maxLookback = DefaultMaxLookback
	}
	return &Resolver{Naming: naming, MaxLookback: maxLookback, Cache: cache}
}

// Resolve locates the pairlist for bucket.
func (r *Resolver) Resolve(bucket types.MonthBucket) (types.ResolvedConfig, error) {
	doc, steps, err := r.ResolveDate(bucket.ConfigDate())
	if err != nil {
		return types.ResolvedConfig{}, err
	}
	return types.ResolvedConfig{
		Path:      doc.Path,
		Bucket:    bucket,
		Pairs:     doc.Pairs,
		Fallbacks: steps,
	}, nil
}

// ResolveDate locates the pairlist for a bucket ending on end. It returns the
// document and how many months it had to step back past the first target.
func (r *Resolver) ResolveDate(end time.Time) (Document, int, error) {
	maxLookback := r.MaxLookback
	if maxLookback <= 0 {
		maxLookback = DefaultMaxLookback
	}

	ref := end
	first := ""
	tried := make([]string, 0, maxLookback)

	for step := 0; step < maxLookback; step++ {
		target := LastDayOfPreviousMonth(ref)
		path := r.Naming.Path(target)
		if step == 0 {
			first = path
		}
		tried = append(tried, path)

		if r.Cache != nil {
			if doc, cachedSteps, ok := r.Cache.Lookup(path); ok {
				r.Cache.Put(first, doc, step+cachedSteps)
				return doc, step + cachedSteps, nil
			}
		}

		doc, err := Load(path)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("pairlist config not found, using previous month instead",
				"path", path, "bucket_end", end.Format(types.DateLayout))
			ref = target
			continue
		}
		if err != nil {
			return Document{}, 0, err
		}

		if r.Cache != nil {
			r.Cache.Put(first, doc, step)
		}
		if step > 0 {
			slog.Info("resolved pairlist config after fallback", "path", path, "steps", step)
		}
		return doc, step, nil
	}

	return Document{}, 0, &LookupError{
		Kind:  ErrConfigNotFound,
		Path:  tried[len(tried)-1],
		Tried: tried,
		Msg:   fmt.Sprintf("no file within %d months before %s", maxLookback, end.Format(types.DateLayout)),
	}
}

// Load reads and parses a single pairlist file. A missing file returns an
// error satisfying errors.Is(err, fs.ErrNotExist).
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}

	var parsed struct {
		Exchange *struct {
			PairWhitelist []string `json:"pair_whitelist"`
		} `json:"exchange"`
	}
	if err := json.Unmarshal(StripComments(raw), &parsed); err != nil {
		return Document{}, malformedf(path, "invalid JSON: %v", err)
	}
	if parsed.Exchange == nil {
		return Document{}, malformedf(path, "missing exchange section")
	}
	if len(parsed.Exchange.PairWhitelist) == 0 {
		return Document{}, malformedf(path, "exchange.pair_whitelist is missing or empty")
	}

	return Document{Path: path, Pairs: Dedupe(parsed.Exchange.PairWhitelist)}, nil
}

// StripComments drops every line whose trimmed content begins with "//".
func StripComments(raw []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(raw))

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), len(raw)+1)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "//") {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// Dedupe removes repeated pairs, keeping the first occurrence.
func Dedupe(pairs []string) []string {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
