//go:build windows

package fiber

import (
	"golang.org/x/sys/windows"
)

func gettid() int { return int(windows.GetCurrentThreadId()) }
