package safe

import (
	"github.com/EY-Engage/realtime-core/logger"
)

// SafeGo starts a new goroutine that recovers from panic,
// so one connection's fault can't take down the whole process.
func SafeGo(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}

// Run executes f inline with panic recovery. Used inside per-connection
// read loops where the goroutine itself must keep running.
func Run(name string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[safe.Run] %s panic recovered: %v", name, r)
		}
	}()
	f()
}
