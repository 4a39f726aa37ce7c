// Logic related to expvar handling: reporting live stats such as contact,
// room and cache-fetch counts. The stats updates happen in a separate
// goroutine to avoid locking on the run loop.

package client

import (
	"expvar"
	"net/http"
	"runtime"
	"time"

	"github.com/meshtalk/meshtalk/client/logs"
)

type varUpdate struct {
	// Name of the variable to update.
	varname string
	// Integer value to publish.
	count int64
	// Treat the count as an increment as opposed to the final value.
	inc bool
}

var statsUpdate chan *varUpdate

// statsInit initializes stats reporting through expvar on the given mux.
func statsInit(mux *http.ServeMux, path string) {
	if path == "" || path == "-" {
		return
	}

	mux.Handle(path, expvar.Handler())
	statsUpdate = make(chan *varUpdate, 1024)

	start := time.Now()
	expvar.Publish("Uptime", expvar.Func(func() interface{} {
		return time.Since(start).Seconds()
	}))
	expvar.Publish("NumGoroutines", expvar.Func(func() interface{} {
		return runtime.NumGoroutine()
	}))

	statsRegisterInt("LiveContacts")
	statsRegisterInt("LiveRooms")
	statsRegisterInt("LiveGroupMembers")
	statsRegisterInt("AttrCacheFetchesTotal")
	statsRegisterInt("AttrCacheEvictionsTotal")
	statsRegisterInt("ReconnectAttemptsTotal")
	statsRegisterInt("BootstrapsTotal")
	statsRegisterInt("BootstrapFailuresTotal")
	statsRegisterInt("TransportEventsTotal")

	go statsUpdater()

	logs.Info.Printf("stats: variables exposed at '%s'", path)
}

// Register an integer variable. Don't check for initialization.
func statsRegisterInt(name string) {
	expvar.Publish(name, new(expvar.Int))
}

// Async publish an int variable.
func statsSet(name string, val int64) {
	if statsUpdate != nil {
		select {
		case statsUpdate <- &varUpdate{name, val, false}:
		default:
		}
	}
}

// Async publish an increment (decrement) to int variable.
func statsInc(name string, val int) {
	if statsUpdate != nil {
		select {
		case statsUpdate <- &varUpdate{name, int64(val), true}:
		default:
		}
	}
}

// Stop publishing stats.
func statsShutdown() {
	if statsUpdate != nil {
		statsUpdate <- nil
	}
}

// The goroutine which actually publishes stats updates.
func statsUpdater() {
	for upd := range statsUpdate {
		if upd == nil {
			statsUpdate = nil
			// Don't care to close the channel.
			break
		}

		if ev := expvar.Get(upd.varname); ev != nil {
			// Intentional panic if the ev is not *expvar.Int.
			intvar := ev.(*expvar.Int)
			if upd.inc {
				intvar.Add(upd.count)
			} else {
				intvar.Set(upd.count)
			}
		} else {
			panic("stats: update to unknown variable " + upd.varname)
		}
	}

	logs.Info.Println("stats: shutdown")
}
