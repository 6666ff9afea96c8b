package bundle

import (
	"regexp"
	"strings"
)

// Module statements are wrapped in block comments. Comments keep every
// newline they enclose, so line numbering is unchanged.
var (
	importFromRe      = regexp.MustCompile(`(^|\n)([ \t]*import\b[^;'"]*?from\s*['"][^'"\n]+['"][ \t]*;?)`)
	importBareRe      = regexp.MustCompile(`(^|\n)([ \t]*import\s*['"][^'"\n]+['"][ \t]*;?)`)
	requireAssignRe   = regexp.MustCompile(`(^|\n)([ \t]*(?:const|let|var)\s+[^=;]*?=\s*require\([^)\n]*\)[ \t]*;?)`)
	requireStandalone = regexp.MustCompile(`(^|\n)([ \t]*require\([^)\n]*\)[ \t]*;?)`)

	wrapperOpenRe     = regexp.MustCompile(`(?m)^\(\(\) => \{[ \t]*$`)
	wrapperCloseRe    = regexp.MustCompile(`(?m)^\}\)\(\);[ \t]*$`)
	emittedRequireRe  = regexp.MustCompile(`(?m)^[ \t]*(?:const|let|var)\s+([\w$]+)\s*=\s*(?:__toESM\()?require\([^)\n]*\)\)?;?[ \t]*$`)
	emittedStandalone = regexp.MustCompile(`(?m)^[ \t]*require\([^)\n]*\);?[ \t]*$`)
)

const commentWrap = "${1}/* ${2} */"

// NeutralizeImports comments out import and require statements in a
// plain unit.
func NeutralizeImports(code string) string {
	for _, re := range []*regexp.Regexp{importFromRe, importBareRe, requireAssignRe, requireStandalone} {
		code = re.ReplaceAllString(code, commentWrap)
	}
	return code
}

// UnwrapModuleWrapper strips the immediately-invoked wrapper the
// transpiler emits around typed output so its declarations land in the
// shared top-level scope. Require bindings are commented out and their
// qualified uses are rewritten to bare names.
func UnwrapModuleWrapper(code string) string {
	if loc := wrapperOpenRe.FindStringIndex(code); loc != nil {
		code = code[:loc[0]] + "/* " + code[loc[0]:loc[1]] + " */" + code[loc[1]:]
	}
	if all := wrapperCloseRe.FindAllStringIndex(code, -1); len(all) > 0 {
		loc := all[len(all)-1]
		code = code[:loc[0]] + "/* " + code[loc[0]:loc[1]] + " */" + code[loc[1]:]
	}

	var bindings []string
	for _, m := range emittedRequireRe.FindAllStringSubmatch(code, -1) {
		bindings = append(bindings, m[1])
	}
	code = emittedRequireRe.ReplaceAllString(code, "/* $0 */")
	code = emittedStandalone.ReplaceAllString(code, "/* $0 */")
	for _, name := range bindings {
		qualified := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\.`)
		code = qualified.ReplaceAllString(code, "")
	}
	return code
}

// countLines reports the number of lines in code, used to check that a
// transform preserved numbering.
func countLines(code string) int {
	return strings.Count(code, "\n")
}
