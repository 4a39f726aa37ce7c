/******************************************************************************
 *
 *  Description :
 *
 *    Transport connection supervision: endpoint discovery, exponential
 *    backoff between attempts, an attempt ceiling, and reaction to
 *    network reachability hints from the host platform.
 *
 *****************************************************************************/

package client

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/meshtalk/meshtalk/client/discovery"
	"github.com/meshtalk/meshtalk/client/logs"
	"github.com/meshtalk/meshtalk/client/transport"
)

// ErrReconnectExhausted is returned when the attempt ceiling is reached.
var ErrReconnectExhausted = errors.New("reconnect: attempt limit reached")

// ErrReconnectAborted is returned when a connect cycle is torn down before
// it succeeds.
var ErrReconnectAborted = errors.New("reconnect: aborted")

type rcState int

const (
	rcIdle rcState = iota
	rcConnecting
	rcConnected
	rcRetrying
	rcFinished
	rcAborted
)

func (s rcState) String() string {
	switch s {
	case rcIdle:
		return "idle"
	case rcConnecting:
		return "connecting"
	case rcConnected:
		return "connected"
	case rcRetrying:
		return "retrying"
	case rcFinished:
		return "finished"
	case rcAborted:
		return "aborted"
	}
	return "unknown"
}

// reconnectController drives the transport link. One connect cycle runs at
// a time on its own goroutine; success and failure are reported through
// onConnected and the channel returned by start.
type reconnectController struct {
	cfg      ReconnectConfig
	provider discovery.Provider
	tr       transport.Transport

	// Called on the controller goroutine after every successful connect.
	// The receiver marshals onto its own loop.
	onConnected func()

	lock     sync.Mutex
	state    rcState
	attempts int
	running  bool
	closing  bool
	cancel   context.CancelFunc
	// Signalled to cut a backoff wait short.
	kick chan struct{}
}

func newReconnectController(cfg ReconnectConfig, provider discovery.Provider,
	tr transport.Transport, onConnected func()) *reconnectController {

	return &reconnectController{
		cfg:      cfg,
		provider: provider,
		tr:       tr,

		onConnected: onConnected,
	}
}

// delayFor returns the backoff before attempt k+1, k counting from 1.
func (rc *reconnectController) delayFor(k int) time.Duration {
	d := time.Duration(float64(rc.cfg.InitialDelay()) * math.Pow(rc.cfg.Factor, float64(k-1)))
	if max := rc.cfg.MaxDelay(); d > max {
		d = max
	}
	return d
}

// start begins a connect cycle unless one is already running. The returned
// channel delivers exactly one value: nil once connected, or the error
// that ended the cycle.
func (rc *reconnectController) start() <-chan error {
	done := make(chan error, 1)

	rc.lock.Lock()
	if rc.running {
		rc.lock.Unlock()
		done <- errors.New("reconnect: cycle already running")
		return done
	}
	rc.running = true
	rc.closing = false
	rc.state = rcConnecting
	rc.attempts = 0
	rc.kick = make(chan struct{}, 1)
	rc.lock.Unlock()

	go rc.cycle(done)
	return done
}

func (rc *reconnectController) cycle(done chan<- error) {
	for {
		rc.lock.Lock()
		if rc.closing {
			rc.state = rcAborted
			rc.running = false
			rc.lock.Unlock()
			done <- ErrReconnectAborted
			return
		}
		rc.attempts++
		attempt := rc.attempts
		rc.state = rcConnecting
		rc.lock.Unlock()

		statsInc("ReconnectAttemptsTotal", 1)
		err := rc.connectOnce()
		if err == nil {
			rc.lock.Lock()
			rc.state = rcConnected
			rc.running = false
			rc.lock.Unlock()
			if rc.onConnected != nil {
				rc.onConnected()
			}
			done <- nil
			return
		}
		logs.Warn.Println("reconnect: attempt", attempt, "failed:", err)

		if rc.cfg.MaxAttempts > 0 && attempt >= rc.cfg.MaxAttempts {
			rc.lock.Lock()
			rc.state = rcFinished
			rc.running = false
			rc.lock.Unlock()
			logs.Err.Println("reconnect: giving up after", attempt, "attempts")
			done <- ErrReconnectExhausted
			return
		}

		rc.lock.Lock()
		rc.state = rcRetrying
		kick := rc.kick
		rc.lock.Unlock()

		delay := rc.delayFor(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-kick:
			timer.Stop()
		}
	}
}

// connectOnce resolves an endpoint and makes a single bounded attempt.
func (rc *reconnectController) connectOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), rc.cfg.ConnectTimeout())
	rc.lock.Lock()
	rc.cancel = cancel
	rc.lock.Unlock()
	defer func() {
		rc.lock.Lock()
		rc.cancel = nil
		rc.lock.Unlock()
		cancel()
	}()

	addr, err := rc.provider.ResolveEndpoint(ctx)
	if err != nil {
		return err
	}
	return rc.tr.Connect(ctx, addr)
}

// networkOffline handles a platform hint that connectivity is gone. A live
// link is dropped so the link loss surfaces immediately. A cycle which has
// already retried a few times is restarted so it picks up the (likely
// changed) network as soon as possible.
func (rc *reconnectController) networkOffline() {
	if rc.tr.Connected() {
		logs.Info.Println("reconnect: network loss reported, dropping the link")
		rc.tr.Disconnect()
		return
	}

	rc.lock.Lock()
	restart := rc.running && rc.attempts > 2
	rc.lock.Unlock()
	if restart {
		rc.restartCycle()
	}
}

// networkOnline handles a platform hint that connectivity is back: a
// waiting cycle retries now, an exhausted one starts over.
func (rc *reconnectController) networkOnline() (<-chan error, bool) {
	if rc.tr.Connected() {
		return nil, false
	}

	rc.lock.Lock()
	if rc.running {
		kick := rc.kick
		cancel := rc.cancel
		rc.lock.Unlock()
		// Abort a stuck in-flight attempt too, not only the backoff wait.
		if cancel != nil {
			cancel()
		}
		select {
		case kick <- struct{}{}:
		default:
		}
		return nil, false
	}
	finished := rc.state == rcFinished || rc.state == rcAborted || rc.state == rcIdle
	rc.lock.Unlock()

	if finished {
		return rc.start(), true
	}
	return nil, false
}

// restartCycle aborts the in-flight attempt and cuts the backoff short so
// the next attempt begins immediately.
func (rc *reconnectController) restartCycle() {
	rc.lock.Lock()
	cancel := rc.cancel
	kick := rc.kick
	running := rc.running
	rc.lock.Unlock()
	if !running {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}

// shutdown stops the controller for good: the running cycle, if any, ends
// with ErrReconnectAborted.
func (rc *reconnectController) shutdown() {
	rc.lock.Lock()
	rc.closing = true
	cancel := rc.cancel
	kick := rc.kick
	running := rc.running
	if !running {
		rc.state = rcIdle
	}
	rc.lock.Unlock()

	if running {
		if cancel != nil {
			cancel()
		}
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

// currentState reports the controller state for diagnostics.
func (rc *reconnectController) currentState() rcState {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return rc.state
}
