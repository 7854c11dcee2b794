package fiber

import (
	"bytes"
	"runtime"
	"strconv"
)

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// goroutineStack returns the stack dump section of goroutine id, and its
// wait status (e.g. "running", "chan receive"). Best-effort, as it requires a
// dump of every goroutine.
func goroutineStack(id uint64) (status string, stack []byte, ok bool) {
	if id == 0 {
		return "", nil, false
	}
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		if len(buf) >= 64<<20 {
			break
		}
		buf = make([]byte, len(buf)*2)
	}
	header := []byte("goroutine " + strconv.FormatUint(id, 10) + " [")
	for section := range bytes.SplitSeq(buf, []byte("\n\n")) {
		if !bytes.HasPrefix(section, header) {
			continue
		}
		rest := section[len(header):]
		end := bytes.IndexByte(rest, ']')
		if end < 0 {
			return "", section, true
		}
		status = string(rest[:end])
		// "chan receive, 2 minutes"
		if i := bytes.IndexByte(rest[:end], ','); i >= 0 {
			status = string(rest[:i])
		}
		return status, section, true
	}
	return "", nil, false
}

// statusBlocked reports whether a goroutine wait status means the goroutine
// is blocked rather than executing.
func statusBlocked(status string) bool {
	switch status {
	case "running", "runnable", "":
		return false
	default:
		return true
	}
}
