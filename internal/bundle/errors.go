package bundle

import "errors"

var (
	ErrDiscovery = errors.New("bundle: discovery failed")
	ErrRead      = errors.New("bundle: read failed")
	ErrTranspile = errors.New("bundle: transpile failed")
	ErrSourceMap = errors.New("bundle: invalid source map")
	ErrWrite     = errors.New("bundle: write failed")
	ErrMinify    = errors.New("bundle: minify failed")
)
