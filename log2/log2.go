// Package log2 is a thin leveled wrapper around stdlib log.
// Level may be changed concurrently, which matters for parallel tests
// routing debug output into t.Logf().
// All methods are safe on nil receiver, which doubles as "discard".
package log2

import (
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync/atomic"
	"testing"
)

const (
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type FmtFunc func(format string, args ...interface{})

type Log struct {
	l       *log.Logger
	level   Level
	fatalf  FmtFunc
	onError atomic.Value // func(error)
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

func NewWriter(w io.Writer, level Level) *Log {
	if w == ioutil.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
	}
}

type fmtFuncWriter struct{ f FmtFunc }

func (fw fmtFuncWriter) Write(b []byte) (int, error) {
	fw.f(string(b))
	return len(b), nil
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(fmtFuncWriter{f}, level) }

// NewTest routes output into t.Logf and Fatalf into t.Fatalf.
func NewTest(t testing.TB, level Level) *Log {
	lg := NewFunc(t.Logf, level)
	lg.fatalf = t.Fatalf
	lg.SetFlags(LTestFlags)
	return lg
}

func (lg *Log) SetLevel(l Level) {
	if lg == nil {
		return
	}
	atomic.StoreInt32((*int32)(&lg.level), int32(l))
}

func (lg *Log) SetFlags(f int) {
	if lg == nil {
		return
	}
	lg.l.SetFlags(f)
}

func (lg *Log) SetPrefix(prefix string) {
	if lg == nil {
		return
	}
	lg.l.SetPrefix(prefix)
}

// SetErrorFunc registers a hook called with every Error/Errorf argument.
// Useful to mirror problems into telemetry without double logging.
func (lg *Log) SetErrorFunc(f func(error)) {
	if lg == nil {
		return
	}
	lg.onError.Store(f)
}

func (lg *Log) Enabled(level Level) bool {
	if lg == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&lg.level)) >= int32(level)
}

func (lg *Log) Log(level Level, s string) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, s)
	}
}

func (lg *Log) Logf(level Level, format string, args ...interface{}) {
	if lg.Enabled(level) {
		_ = lg.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (lg *Log) Error(args ...interface{}) {
	if lg == nil {
		return
	}
	lg.Log(LError, "error: "+fmt.Sprint(args...))
	if f, ok := lg.onError.Load().(func(error)); ok && f != nil {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				f(e)
				return
			}
		}
		f(fmt.Errorf(fmt.Sprint(args...)))
	}
}

func (lg *Log) Errorf(format string, args ...interface{}) {
	if lg == nil {
		return
	}
	lg.Logf(LError, "error: "+format, args...)
	if f, ok := lg.onError.Load().(func(error)); ok && f != nil {
		f(fmt.Errorf(format, args...))
	}
}

func (lg *Log) Info(args ...interface{})                 { lg.Log(LInfo, fmt.Sprint(args...)) }
func (lg *Log) Infof(format string, args ...interface{}) { lg.Logf(LInfo, format, args...) }
func (lg *Log) Debug(args ...interface{})                { lg.Log(LDebug, "debug: "+fmt.Sprint(args...)) }
func (lg *Log) Debugf(format string, args ...interface{}) {
	lg.Logf(LDebug, "debug: "+format, args...)
}

func (lg *Log) Fatalf(format string, args ...interface{}) {
	if lg != nil && lg.fatalf != nil {
		lg.fatalf(format, args...)
		return
	}
	lg.Logf(LError, "fatal: "+format, args...)
	os.Exit(1)
}

func (lg *Log) Fatal(args ...interface{}) {
	if lg != nil && lg.fatalf != nil {
		lg.fatalf("%s", fmt.Sprint(args...))
		return
	}
	lg.Log(LError, "fatal: "+fmt.Sprint(args...))
	os.Exit(1)
}
