// Package notify sends sd_notify readiness and status messages to the
// systemd supervisor, if the process was started as a systemd service.
// Sends are buffered and lossy: a slow or absent supervisor never blocks
// the proxy's own shutdown path.
package notify

import (
	"log/slog"
	"os"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
)

// queueLen bounds the backlog of pending notifications, mirroring the
// upstream edition's MAX_QLEN.
const queueLen = 128

// Notifier forwards status strings to the systemd notify socket from a
// single background goroutine, so callers never block on a congested
// socket.
type Notifier struct {
	queue  chan string
	done   chan struct{}
	wg     sync.WaitGroup
	active bool
}

// New starts a Notifier. If NOTIFY_SOCKET is unset (the process was not
// started by systemd), the returned Notifier is inert: Notify becomes a
// no-op and Stop returns immediately.
func New() *Notifier {
	n := &Notifier{
		queue: make(chan string, queueLen),
		done:  make(chan struct{}),
	}
	n.active = notifySocketPresent()
	if n.active {
		n.wg.Add(1)
		go n.run()
	}
	return n
}

// Notify enqueues a status string for delivery. It never blocks: if the
// queue is full, the oldest pending message is dropped to make room,
// since only the most recent status matters to a supervisor that's
// fallen behind.
func (n *Notifier) Notify(status string) {
	if !n.active {
		return
	}
	select {
	case n.queue <- status:
	default:
		select {
		case <-n.queue:
		default:
		}
		select {
		case n.queue <- status:
		default:
		}
	}
}

// Ready sends READY=1.
func (n *Notifier) Ready() {
	n.Notify(daemon.SdNotifyReady)
}

// Stopping sends STOPPING=1.
func (n *Notifier) Stopping() {
	n.Notify(daemon.SdNotifyStopping)
}

// Stop drains any queued notification and shuts down the background
// goroutine. It is safe to call even if New found no systemd socket.
func (n *Notifier) Stop() {
	if !n.active {
		return
	}
	close(n.done)
	n.wg.Wait()
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for {
		select {
		case msg := <-n.queue:
			if _, err := daemon.SdNotify(false, msg); err != nil {
				slog.Debug("notify: sd_notify failed", slog.String("error", err.Error()))
			}
		case <-n.done:
			// Flush whatever is left before exiting.
			for {
				select {
				case msg := <-n.queue:
					daemon.SdNotify(false, msg)
				default:
					return
				}
			}
		}
	}
}

func notifySocketPresent() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
