package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// errorChain lists the messages of err and everything it wraps, skipping
// consecutive duplicates. Members of errors.Join are appended.
func errorChain(err error) []string {
	out := make([]string, 0, 8)
	var prev string
	add := func(msg string) {
		if msg != prev {
			out = append(out, msg)
			prev = msg
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e.Error())
	}
	if m, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range m.Unwrap() {
			add(e.Error())
		}
	}
	return out
}

// chainLinks describes up to max links of the chain with the source position
// each one was created or wrapped at, when known.
func chainLinks(err error, max int) []map[string]any {
	links := make([]map[string]any, 0, 8)
	for depth, e := 0, err; e != nil && (max <= 0 || depth < max); depth, e = depth+1, errors.Unwrap(e) {
		link := map[string]any{"msg": e.Error()}
		fn, file, line, ok := linkPosition(e)
		if ok {
			link["func"], link["file"], link["line"] = fn, file, line
		}
		if depth == 0 || ok {
			links = append(links, link)
		}
	}
	return links
}

func linkPosition(e error) (fn, file string, line int, ok bool) {
	if hp, isPC := e.(hasPC); isPC {
		return frameFromPC(hp.PC())
	}
	if hs, isStack := e.(hasStack); isStack {
		return firstExtFrame(hs.StackPCs())
	}
	return "", "", 0, false
}

func frameFromPC(pc uintptr) (fn, file string, line int, ok bool) {
	if pc == 0 {
		return "", "", 0, false
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line, true
}

// firstExtFrame returns the first frame outside the runtime, the logger and
// xerrors.
func firstExtFrame(pcs []uintptr) (fn, file string, line int, ok bool) {
	if len(pcs) == 0 {
		return "", "", 0, false
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		internal := strings.HasPrefix(fr.Function, "runtime.") ||
			loggingFrame(fr.Function) ||
			strings.Contains(fr.Function, "/internal/xerrors.")
		if !internal {
			return fr.Function, fr.File, fr.Line, true
		}
		if !more {
			return "", "", 0, false
		}
	}
}

// wrapperType reports error types that only add context to another error.
func wrapperType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if strings.Contains(t.PkgPath(), "/internal/xerrors") {
		return true
	}
	return t.PkgPath() == "fmt" && t.Name() == "wrapError"
}

// classifyTypes returns the first non-wrapper type in the chain and the type
// of the innermost error.
func classifyTypes(err error) (surface, root string) {
	if err == nil {
		return "", ""
	}
	var last error
	for e := err; e != nil; e = errors.Unwrap(e) {
		last = e
		if surface != "" {
			continue
		}
		if t := reflect.TypeOf(e); t != nil && !wrapperType(t) {
			surface = t.String()
		}
	}
	if surface == "" {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, fmt.Sprintf("%T", last)
}
