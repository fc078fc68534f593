package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/batchtest/pkg/types"
	"github.com/google/shlex"
)

// ErrTemplate reports an unusable command template.
var ErrTemplate = errors.New("invalid command template")

// Placeholders understood by command templates.
const (
	PhStart     = "{start}"     // bucket start, YYYYMMDD
	PhEnd       = "{end}"       // bucket end (inclusive), YYYYMMDD
	PhTimerange = "{timerange}" // backtester timerange, START-END
	PhPairs     = "{pairs}"     // chunk pairs
	PhConfig    = "{config}"    // resolved pairlist path
	PhResult    = "{result}"    // correlated artifact path (render templates)
	PhResultTag = "{result_name}"
)

var jobPlaceholders = []string{PhStart, PhEnd, PhTimerange, PhPairs, PhConfig}

// defaultSuffix is appended to templates that mention no placeholder at all,
// matching the classic "<command> --timerange a-b -p pairs -c config" call.
var defaultSuffix = []string{"--timerange", PhTimerange, "-p", PhPairs, "-c", PhConfig}

// Template is a tokenized command line with placeholders.
type Template struct {
	raw    string
	tokens []string
}

// ParseTemplate splits s with shell word rules. Quotes group words; no
// expansion or redirection is performed.
func ParseTemplate(s string) (Template, error) {
	if strings.TrimSpace(s) == "" {
		return Template{}, fmt.Errorf("%w: template is empty", ErrTemplate)
	}

	tokens, err := shlex.Split(s)
	if err != nil {
		return Template{}, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	if len(tokens) == 0 {
		return Template{}, fmt.Errorf("%w: template has no words", ErrTemplate)
	}
	return Template{raw: s, tokens: tokens}, nil
}

// String returns the template as given.
func (t Template) String() string { return t.raw }

// Empty reports whether the template was never parsed.
func (t Template) Empty() bool { return len(t.tokens) == 0 }

// hasAny reports whether any token mentions one of the placeholders.
func (t Template) hasAny(placeholders []string) bool {
	for _, tok := range t.tokens {
		for _, ph := range placeholders {
			if strings.Contains(tok, ph) {
				return true
			}
		}
	}
	return false
}

// Expand substitutes vars into the template. A token that is exactly a
// list placeholder expands to one argument per element; an empty list drops
// the token together with a preceding option flag (e.g. "-p").
func (t Template) Expand(vars map[string]string, lists map[string][]string) []string {
	args := make([]string, 0, len(t.tokens)+8)
	for _, tok := range t.tokens {
		if list, ok := lists[tok]; ok {
			if len(list) == 0 {
				if n := len(args); n > 0 && strings.HasPrefix(args[n-1], "-") {
					args = args[:n-1]
				}
				continue
			}
			args = append(args, list...)
			continue
		}

		for ph, v := range lists {
			if strings.Contains(tok, ph) {
				tok = strings.ReplaceAll(tok, ph, strings.Join(v, " "))
			}
		}
		for ph, v := range vars {
			tok = strings.ReplaceAll(tok, ph, v)
		}
		args = append(args, tok)
	}
	return args
}

// withDefaultSuffix returns t extended by the classic suffix when it names no
// job placeholder.
func (t Template) withDefaultSuffix() Template {
	if t.hasAny(jobPlaceholders) {
		return t
	}
	tokens := make([]string, 0, len(t.tokens)+len(defaultSuffix))
	tokens = append(tokens, t.tokens...)
	tokens = append(tokens, defaultSuffix...)
	return Template{raw: t.raw, tokens: tokens}
}

// Build combines a bucket, its resolved config and one pair chunk into a job.
func Build(bucket types.MonthBucket, cfg types.ResolvedConfig, chunk []string, tmpl Template) (types.Job, error) {
	if tmpl.Empty() {
		return types.Job{}, fmt.Errorf("%w: template is empty", ErrTemplate)
	}

	args := tmpl.withDefaultSuffix().Expand(
		map[string]string{
			PhStart:     bucket.Start.Format(types.DateLayout),
			PhEnd:       bucket.End.Format(types.DateLayout),
			PhTimerange: bucket.Timerange(),
			PhConfig:    cfg.Path,
		},
		map[string][]string{PhPairs: chunk},
	)

	return types.Job{
		Args:   args,
		Bucket: bucket,
		Chunk:  chunk,
		Config: cfg,
	}, nil
}
