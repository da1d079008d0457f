package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/splax/sitestack/internal/domain"
)

// SummaryLimit bounds the error text stored on a failed job.
const SummaryLimit = 500

// Handler executes one job type.
type Handler interface {
	Handle(ctx context.Context, job domain.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job domain.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job domain.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Result is the outcome of one handler invocation. Summary is the text
// stored on a failed job, "Kind: message".
type Result struct {
	Output   json.RawMessage
	Err      error
	Panicked bool
	Summary  string
	Duration time.Duration
	Stack    []byte
}

// Failed reports whether the handler returned an error or panicked.
func (r Result) Failed() bool {
	return r.Err != nil
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprint(e.Value)
}

// Execute runs h for job and converts returned errors and panics into a Result.
func Execute(ctx context.Context, h Handler, job domain.Job) (res Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		if v := recover(); v != nil {
			res.Output = nil
			res.Err = &PanicError{Value: v}
			res.Panicked = true
			res.Stack = debug.Stack()
		}
		if res.Err != nil {
			res.Summary = Summarize(res.Err, SummaryLimit)
		}
	}()
	out, err := h.Handle(ctx, job)
	return Result{Output: out, Err: err}
}

// DecodeParams decodes job parameters into T.
func DecodeParams[T any](job domain.Job) (T, error) {
	var params T
	if len(job.Params) == 0 {
		return params, nil
	}
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return params, fmt.Errorf("decode %s parameters: %w", job.Type, err)
	}
	return params, nil
}

// Summarize renders err as "Kind: message" on a single line of at most limit
// bytes. Kind is the most specific error type in the wrap chain.
func Summarize(err error, limit int) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	out := ErrorKind(err) + ": " + msg
	if limit > 0 && len(out) > limit {
		out = truncate(out, limit)
	}
	return out
}

// ErrorKind names the deepest non-generic error type in err's chain.
func ErrorKind(err error) string {
	var pe *PanicError
	if errors.As(err, &pe) {
		if _, ok := pe.Value.(runtime.Error); ok {
			return "panic(runtime.Error)"
		}
		if inner, ok := pe.Value.(error); ok {
			return "panic(" + ErrorKind(inner) + ")"
		}
		return "panic"
	}
	kind := "Error"
	for e := err; e != nil; e = errors.Unwrap(e) {
		if name := typeName(e); name != "" {
			kind = name
		}
	}
	return kind
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() + "." + t.Name() {
	case "errors.errorString", "fmt.wrapError", "fmt.wrapErrors", "errors.joinError":
		return ""
	}
	return t.Name()
}

func truncate(s string, limit int) string {
	const ellipsis = "..."
	if len(s) <= limit {
		return s
	}
	cut, tail := limit-len(ellipsis), ellipsis
	if cut < 0 {
		cut, tail = limit, ""
	}
	// Step back to a rune boundary.
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + tail
}
