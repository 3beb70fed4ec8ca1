// Package caller captures the identity of code invoking a write or audit
// operation — file, member, line, and an optional user id — so every
// mutation can be attributed without every call site hand-assembling the
// same three runtime.Caller calls.
package caller

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Info identifies the call site (and, when supplied by the caller, the
// acting user) behind a write or audit record.
type Info struct {
	File   string
	Member string
	Line   int
	UserID string
}

func (i Info) String() string {
	if i.File == "" {
		return i.UserID
	}
	return fmt.Sprintf("%s:%d (%s) user=%s", i.File, i.Line, i.Member, i.UserID)
}

// Capture walks skip frames up the stack (0 = Capture's own caller) and
// records its file/line/function. UserID is attached separately by callers
// that carry one (e.g. from request context).
func Capture(skip int, userID string) Info {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Info{UserID: userID}
	}
	member := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		member = fn.Name()
	}
	return Info{
		File:   filepath.Base(file),
		Member: member,
		Line:   line,
		UserID: userID,
	}
}
