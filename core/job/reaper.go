package job

import (
	"log"
	"sync"

	"golang.org/x/sys/unix"
)

// TrackFunc registers a freshly started pid with the Reaper. If notify is
// true the returned channel receives the pid's status once, otherwise the
// status is dropped when the pid is reaped.
type TrackFunc func(pid int, notify bool) <-chan Status

// Reaper collects terminated children. It is the only caller of wait4 in the
// shell, every started child must be registered with it.
type Reaper struct {
	mu      sync.Mutex
	waiters map[int]chan Status
	log     *log.Logger
}

// NewReaper creates an empty Reaper.
func NewReaper(logger *log.Logger) *Reaper {
	return &Reaper{
		waiters: make(map[int]chan Status),
		log:     orDiscard(logger),
	}
}

// Hold suspends reaping while fn runs. Children started inside fn can't be
// collected before fn registers them and a group leader that exits early
// stays a zombie, keeping its process group valid for later stages.
func (r *Reaper) Hold(fn func(track TrackFunc)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(r.trackLocked)
}

func (r *Reaper) trackLocked(pid int, notify bool) <-chan Status {
	var ch chan Status
	if notify {
		ch = make(chan Status, 1)
	}
	r.waiters[pid] = ch
	return ch
}

// Reap collects every terminated child without blocking and returns how
// many were collected. Calling it when nothing has terminated is harmless.
func (r *Reaper) Reap() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.ECHILD:
			return reaped
		case err != nil:
			r.log.Printf("wait4: %v", err)
			return reaped
		case pid <= 0:
			return reaped
		}

		reaped++
		r.deliverLocked(pid, statusFromWait(ws))
	}
}

func (r *Reaper) deliverLocked(pid int, status Status) {
	ch, ok := r.waiters[pid]
	if !ok {
		r.log.Printf("reaped untracked pid %d: %s", pid, status)
		return
	}
	delete(r.waiters, pid)

	if ch == nil {
		r.log.Printf("background pid %d %s", pid, status)
		return
	}
	ch <- status
}

// Tracked returns the number of children that haven't been reaped yet.
func (r *Reaper) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.waiters)
}
