package main

import (
	"syscall"
	"time"
)

func processCPUTime() time.Duration {
	var created, exited, kernel, user syscall.Filetime
	proc, err := syscall.GetCurrentProcess()
	if err != nil {
		return 0
	}
	if err := syscall.GetProcessTimes(proc, &created, &exited, &kernel, &user); err != nil {
		return 0
	}
	return ticks(kernel) + ticks(user)
}

// ticks converts a FILETIME span (100ns units) to a Duration.
func ticks(ft syscall.Filetime) time.Duration {
	return time.Duration(int64(ft.HighDateTime)<<32|int64(ft.LowDateTime)) * 100
}
