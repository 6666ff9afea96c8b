package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/csctl/internal/observability"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog/log"
)

// Builder runs the whole pipeline for one project directory.
type Builder struct {
	Root       string
	OutPath    string
	Ignore     []string
	Transpiler *Transpiler
}

func NewBuilder(root, outPath string, cache Cache) *Builder {
	return &Builder{
		Root:       root,
		OutPath:    outPath,
		Transpiler: NewTranspiler(cache),
	}
}

// Build compiles the project and writes the bundle to OutPath.
func (b *Builder) Build(ctx context.Context) (*Bundle, error) {
	start := time.Now()
	units, err := b.compileUnits(ctx)
	if err != nil {
		observability.RecordBundleBuild(false)
		return nil, err
	}
	out, err := filepath.Abs(b.OutPath)
	if err != nil {
		observability.RecordBundleBuild(false)
		return nil, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	bundle := Compile(out, units)
	if err := writeAtomic(out, []byte(bundle.Text)); err != nil {
		observability.RecordBundleBuild(false)
		return nil, err
	}
	observability.RecordBundleBuild(true)
	log.Info().
		Str("path", out).
		Int("units", len(bundle.Records)).
		Int("lines", bundle.Lines).
		Dur("elapsed", time.Since(start)).
		Msg("bundle.Builder.Build complete")
	return bundle, nil
}

// BuildRelease produces a minified script with no markers or dev
// scaffolding, suitable for publishing.
func (b *Builder) BuildRelease(ctx context.Context) (string, error) {
	units, err := b.compileUnits(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, cu := range units {
		sb.WriteString(cu.Emitted.Code)
		if !strings.HasSuffix(cu.Emitted.Code, "\n") {
			sb.WriteByte('\n')
		}
	}
	result := api.Transform(sb.String(), api.TransformOptions{
		Loader:           api.LoaderJS,
		Target:           api.ES2017,
		MinifyWhitespace: true,
		MinifySyntax:     true,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("%w: %s", ErrMinify, formatMessage("release", result.Errors[0]))
	}
	return string(result.Code), nil
}

func (b *Builder) compileUnits(ctx context.Context) ([]CompiledUnit, error) {
	patterns, err := ReadIgnorePatterns(b.Root)
	if err != nil {
		return nil, err
	}
	paths, err := Discover(b.Root, append(append([]string{}, b.Ignore...), patterns...))
	if err != nil {
		return nil, err
	}
	tr := b.Transpiler
	if tr == nil {
		tr = NewTranspiler(nil)
	}
	units := make([]CompiledUnit, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u, err := ReadUnit(path)
		if err != nil {
			return nil, err
		}
		emitted, err := tr.Transpile(ctx, u)
		if err != nil {
			return nil, err
		}
		units = append(units, CompiledUnit{Unit: u, Emitted: emitted})
	}
	return units, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}
