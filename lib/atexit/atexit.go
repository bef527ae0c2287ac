// Package atexit provides handling for functions you want called when
// the program exits unexpectedly due to a signal.
//
// You should also make sure you call Run in the normal exit path.
package atexit

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sshget/sshget/fs"
)

var (
	fns          = make(map[FnHandle]bool)
	fnsMutex     sync.Mutex
	exitChan     chan os.Signal
	exitOnce     sync.Once
	registerOnce sync.Once
)

// FnHandle is the type of the handle returned by function Register that
// can be used to unregister an at-exit function.
type FnHandle *func()

// Register a function to be called on exit.
//
// The first registration installs the signal handler. On SIGINT or
// SIGTERM all registered functions run, then the process exits 0:
// interruption is a cooperative shutdown, not a failure.
func Register(fn func()) FnHandle {
	fnsMutex.Lock()
	handle := &fn
	fns[handle] = true
	fnsMutex.Unlock()

	registerOnce.Do(func() {
		exitChan = make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-exitChan
			if sig == nil {
				return
			}
			signal.Stop(exitChan)
			fs.Infof(nil, "signal %v received: cleaning up", sig)
			Run()
			os.Exit(0)
		}()
	})

	return handle
}

// Unregister a function using the handle returned by Register.
func Unregister(handle FnHandle) {
	fnsMutex.Lock()
	defer fnsMutex.Unlock()
	delete(fns, handle)
}

// IgnoreSignals disables the signal handler so that a signal terminates
// the process without running the registered functions.
func IgnoreSignals() {
	registerOnce.Do(func() {})
	if exitChan != nil {
		signal.Stop(exitChan)
		close(exitChan)
		exitChan = nil
	}
}

// Run all the at-exit functions if they haven't been run already.
func Run() {
	exitOnce.Do(func() {
		fnsMutex.Lock()
		defer fnsMutex.Unlock()
		for handle := range fns {
			(*handle)()
		}
	})
}
