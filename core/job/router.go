package job

import (
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Router handles the signals the shell receives for the whole session.
//
//   - SIGINT is forwarded to the foreground job's process group, or passed to
//     OnIdleInterrupt when nothing runs in the foreground.
//   - SIGCHLD triggers a Reap.
//   - SIGTTOU is ignored so the shell can take the terminal back while it is
//     in the background.
type Router struct {
	ctl    *Controller
	reaper *Reaper

	// OnIdleInterrupt is called when SIGINT arrives without a foreground job.
	OnIdleInterrupt func()

	sigs chan os.Signal
	stop chan struct{}
	wg   sync.WaitGroup
	log  *log.Logger
}

// NewRouter creates a router, call Start to begin handling signals.
func NewRouter(ctl *Controller, reaper *Reaper, logger *log.Logger) *Router {
	return &Router{
		ctl:    ctl,
		reaper: reaper,
		sigs:   make(chan os.Signal, 8),
		stop:   make(chan struct{}),
		log:    orDiscard(logger),
	}
}

// Start installs the handlers. SIGTTOU stays ignored after Stop.
func (r *Router) Start() {
	signal.Ignore(syscall.SIGTTOU)
	signal.Notify(r.sigs, syscall.SIGINT, syscall.SIGCHLD)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case sig := <-r.sigs:
				r.handle(sig)
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop stops delivery of SIGINT and SIGCHLD to the router.
func (r *Router) Stop() {
	signal.Stop(r.sigs)
	close(r.stop)
	r.wg.Wait()
}

func (r *Router) handle(sig os.Signal) {
	switch sig {
	case syscall.SIGINT:
		r.interrupt()
	case syscall.SIGCHLD:
		r.reaper.Reap()
	}
}

func (r *Router) interrupt() {
	pgid := r.ctl.Foreground()
	if pgid <= 0 {
		if r.OnIdleInterrupt != nil {
			r.OnIdleInterrupt()
		}
		return
	}

	// Negative pid addresses every member of the group.
	if err := unix.Kill(-pgid, unix.SIGINT); err != nil && err != unix.ESRCH {
		r.log.Printf("kill(-%d, SIGINT): %v", pgid, err)
	}
}
