package fiber

import (
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// newDefaultLogger builds the logger used when no WithLogger option is given:
// JSON lines on stderr.
func newDefaultLogger(level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// fiberFields attaches the identifying fields of f to b. Safe on a nil
// builder (disabled level).
func fiberFields(b *logiface.Builder[logiface.Event], f *Fiber) *logiface.Builder[logiface.Event] {
	if b == nil || f == nil {
		return b
	}
	b = b.Int64("fiber", f.id)
	if name := f.Name(); name != "" {
		b = b.Str("fiber_name", name)
	}
	return b
}
