package bundle

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// TempBundlePattern matches bundle copies the relay writes for workers.
const TempBundlePattern = `[^\s()]*cloudscript\.[0-9a-fA-F-]{36}\.js`

type RewriterOptions struct {
	// Aliases are other literal paths the same bundle is loaded under.
	Aliases []string
	// Patterns are regular expressions matching bundle file names.
	Patterns []string
	// Internal lists fragments whose frames are dropped after a rewrite.
	Internal []string
}

// Rewriter replaces bundle positions in stack traces with original ones.
type Rewriter struct {
	bundle   *Bundle
	ref      *regexp.Regexp
	internal []string
}

func NewRewriter(b *Bundle, opts RewriterOptions) *Rewriter {
	var alts []string
	if b.Path != "" {
		alts = append(alts, regexp.QuoteMeta(b.Path))
	}
	for _, a := range opts.Aliases {
		if a != "" {
			alts = append(alts, regexp.QuoteMeta(a))
		}
	}
	alts = append(alts, opts.Patterns...)

	r := &Rewriter{bundle: b, internal: opts.Internal}
	if len(alts) > 0 {
		r.ref = regexp.MustCompile(`(?:` + strings.Join(alts, "|") + `):(\d+)`)
	}
	if dir := b.Dir(); dir != "" && dir != "." {
		r.internal = append(r.internal, dir+string(filepath.Separator))
	}
	return r
}

// isNativeFrame matches the runtime's frames for host functions, which
// render as "at native" or "at name (native)".
func isNativeFrame(line string) bool {
	line = strings.TrimSpace(line)
	return line == "at native" || (strings.HasPrefix(line, "at ") && strings.HasSuffix(line, " (native)"))
}

// RewriteStack replaces every "bundle:line" with "original:line", keeping
// whatever follows. When anything was replaced, frames that still point
// into the bundle or at internal paths are dropped.
func (r *Rewriter) RewriteStack(trace string) string {
	if r == nil || r.ref == nil || trace == "" {
		return trace
	}
	modified := false
	out := r.ref.ReplaceAllStringFunc(trace, func(match string) string {
		sub := r.ref.FindStringSubmatch(match)
		line, err := strconv.Atoi(sub[1])
		if err != nil {
			return match
		}
		loc, ok := r.bundle.ReverseMap(line)
		if !ok {
			return match
		}
		modified = true
		return loc.String()
	})
	if !modified {
		return trace
	}

	lines := strings.Split(out, "\n")
	kept := lines[:0]
	for i, line := range lines {
		if i > 0 && r.isInternal(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func (r *Rewriter) isInternal(line string) bool {
	if r.ref.MatchString(line) || isNativeFrame(line) {
		return true
	}
	for _, frag := range r.internal {
		if frag != "" && strings.Contains(line, frag) {
			return true
		}
	}
	return false
}
