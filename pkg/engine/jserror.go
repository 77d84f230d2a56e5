package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
)

// Source locations reported by the runtime refer to the wrapped function
// expression; user code starts on wrapper line 2.
const wrapperLineOffset = 1

var (
	// "name:3:9(12)" frames in exception stacks.
	stackLinePattern = regexp.MustCompile(`:(\d+):\d+`)
	// "Line 2:10 Unexpected token" in compiler errors.
	compileLinePattern = regexp.MustCompile(`Line (\d+):`)
)

// scriptError converts an engine exception into a host-visible script
// error: the exception message (with any redundant "Error: " prefix
// stripped) plus a reconstructed source-location detail corrected for the
// wrapper line offset.
func scriptError(fnName string, code plerrors.Code, err error) error {
	var (
		msg  string
		line int
	)

	switch ex := err.(type) {
	case *goja.Exception:
		msg = ex.Value().String()
		line = extractLine(ex.String(), stackLinePattern)
	case *goja.CompilerSyntaxError:
		msg = firstLine(ex.Error())
		line = extractLine(ex.Error(), compileLinePattern)
	case *goja.InterruptedError:
		msg = "execution interrupted"
	default:
		msg = err.Error()
	}

	msg = plerrors.StripErrorPrefix(msg)
	b := plerrors.Script(code, msg).WithField("function", fnName)
	if line > wrapperLineOffset {
		b = b.WithDetail(fmt.Sprintf("%s() LINE %d: %s",
			fnName, line-wrapperLineOffset, msg))
	}
	return b.Err()
}

func extractLine(s string, pattern *regexp.Regexp) int {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
