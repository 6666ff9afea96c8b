package bundle

import (
	"context"
	"fmt"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
)

// TranspilerVersion invalidates cached output when the transpile or
// unwrap rules change.
const TranspilerVersion = "csctl-ts-2"

// Cache persists raw transpiler output keyed by file identity.
type Cache interface {
	Lookup(ctx context.Context, path string, modTime time.Time, version string) (code string, sourceMap []byte, ok bool, err error)
	Store(ctx context.Context, path string, modTime time.Time, version string, code string, sourceMap []byte) error
}

// Emitted is a unit's code as it appears inside the bundle.
type Emitted struct {
	Code string
	// Map is nil for plain units.
	Map *PositionMap
}

type Transpiler struct {
	cache Cache
}

// NewTranspiler returns a transpiler. cache may be nil.
func NewTranspiler(cache Cache) *Transpiler {
	return &Transpiler{cache: cache}
}

// Transpile produces the bundle form of u. Plain units are neutralized in
// place. Typed units are transpiled, unwrapped and given a position map.
func (t *Transpiler) Transpile(ctx context.Context, u SourceUnit) (Emitted, error) {
	if u.Kind == KindPlain {
		return Emitted{Code: NeutralizeImports(u.Text)}, nil
	}

	code, rawMap, err := t.transpileTyped(ctx, u)
	if err != nil {
		return Emitted{}, err
	}
	pm, err := PositionMapFromSourceMap(rawMap, code)
	if err != nil {
		return Emitted{}, fmt.Errorf("%s: %w", u.Path, err)
	}
	return Emitted{Code: UnwrapModuleWrapper(code), Map: pm}, nil
}

func (t *Transpiler) transpileTyped(ctx context.Context, u SourceUnit) (string, []byte, error) {
	if t.cache != nil {
		code, rawMap, ok, err := t.cache.Lookup(ctx, u.Path, u.ModTime, TranspilerVersion)
		if err != nil {
			log.Warn().Err(err).Str("path", u.Path).Msg("bundle.Transpiler.transpileTyped cache lookup failed")
		} else if ok {
			log.Debug().Str("path", u.Path).Msg("bundle.Transpiler.transpileTyped cache hit")
			return code, rawMap, nil
		}
	}

	result := api.Transform(u.Text, api.TransformOptions{
		Loader:     api.LoaderTS,
		Format:     api.FormatIIFE,
		Target:     api.ES2017,
		Sourcemap:  api.SourceMapExternal,
		Sourcefile: u.Path,
	})
	if len(result.Errors) > 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrTranspile, formatMessage(u.Path, result.Errors[0]))
	}
	code := string(result.Code)

	if t.cache != nil {
		if err := t.cache.Store(ctx, u.Path, u.ModTime, TranspilerVersion, code, result.Map); err != nil {
			log.Warn().Err(err).Str("path", u.Path).Msg("bundle.Transpiler.transpileTyped cache store failed")
		}
	}
	return code, result.Map, nil
}

func formatMessage(path string, msg api.Message) string {
	if msg.Location == nil {
		return fmt.Sprintf("%s: %s", path, msg.Text)
	}
	return fmt.Sprintf("%s:%d:%d: %s", path, msg.Location.Line, msg.Location.Column+1, msg.Text)
}
