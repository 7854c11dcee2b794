//go:build !linux && !windows

package fiber

// gettid is unavailable on this platform.
func gettid() int { return 0 }
