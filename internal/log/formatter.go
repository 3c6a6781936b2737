package log

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type formatter struct {
	pattern string
	time    string
}

// Format supports %time, %level, %field, %msg, %caller, %func, %goroutine and %n (newline).
func (f *formatter) Format(entry *logrus.Entry) ([]byte, error) {
	output := f.pattern
	output = strings.Replace(output, "%time", entry.Time.Format(f.time), 1)
	output = strings.Replace(output, "%level", strings.ToUpper(entry.Level.String()), 1)
	output = strings.Replace(output, "%field", buildFields(entry), 1)
	if strings.Contains(output, "%caller") {
		output = strings.Replace(output, "%caller", getCaller(), 1)
	}
	if strings.Contains(output, "%func") {
		output = strings.Replace(output, "%func", getFunc(), 1)
	}
	if strings.Contains(output, "%goroutine") {
		output = strings.Replace(output, "%goroutine", getGoroutineID(), 1)
	}
	output = strings.ReplaceAll(output, "%n", "\n")
	// message last so a literal "%n" inside it survives
	output = strings.Replace(output, "%msg", entry.Message, 1)
	if !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	return []byte(output), nil
}

// callerFrame finds the first frame outside logrus and the entryLogger wrappers.
func callerFrame() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.Contains(f.Function, "github.com/sirupsen/logrus") &&
			!strings.Contains(f.Function, "/internal/log.(*entryLogger)") &&
			!strings.HasSuffix(f.File, "/internal/log/formatter.go") &&
			f.File != "<autogenerated>" {
			return f, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// getCaller renders package/file:line.
func getCaller() string {
	f, ok := callerFrame()
	if !ok {
		return "unknown"
	}
	file := f.File
	if idx := strings.LastIndex(file, "/"); idx != -1 && idx+1 < len(file) {
		file = file[idx+1:]
	}
	pkg := ""
	fn := f.Function
	if idx := strings.LastIndex(fn, "/"); idx != -1 {
		fn = fn[idx+1:]
	}
	if dot := strings.Index(fn, "."); dot != -1 {
		pkg = fn[:dot]
	}
	return fmt.Sprintf("%s/%s:%d", pkg, file, f.Line)
}

// getFunc keeps only the function or method name.
func getFunc() string {
	f, ok := callerFrame()
	if !ok {
		return "unknown"
	}
	name := f.Function
	if idx := strings.LastIndex(name, "."); idx != -1 && idx+1 < len(name) {
		return name[idx+1:]
	}
	return name
}

func getGoroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if fields := strings.Fields(stack); len(fields) > 0 {
		return fields[0]
	}
	return "unknown"
}

func buildFields(entry *logrus.Entry) string {
	if len(entry.Data) == 0 {
		return ""
	}
	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]string, 0, len(keys))
	for _, k := range keys {
		val := entry.Data[k]
		s, ok := val.(string)
		if !ok {
			if err, isErr := val.(error); isErr {
				s = err.Error()
			} else {
				s = fmt.Sprint(val)
			}
		}
		fields = append(fields, k+"="+s)
	}
	return strings.Join(fields, ",")
}
