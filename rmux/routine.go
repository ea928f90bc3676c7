package rmux

import (
	"context"
	"math/rand"
	"time"
)

// routineAction pairs a prebuilt event with the session queue it must
// be delivered to, so every dispatch happens after the registry lock is
// released rather than while still holding it.
type routineAction struct {
	ev     Event
	target chan Event
}

// sweepAllSessions walks every channel's session group once: sessions
// whose ping/pong gap has collapsed below -60s are flagged retired and
// told to shut down outright; everything else gets a PING (if it
// belongs to a named, i.e. client-initiated, channel) plus the routine
// tick that drives handleRoutineEvent's idle/log pass. Already-retired
// sessions awaiting their last streams to drain still get the routine
// tick so they can notice once those streams are gone.
func sweepAllSessions() {
	var actions []routineAction

	globalRegistry.mu.Lock()
	var justRetired []*Session
	for channel, g := range globalRegistry.channels {
		for i, s := range g.sessions {
			if s == nil {
				continue
			}
			if s.state.pingPongGap() < -60 {
				s.log.Error("session heartbeat timeout")
				actions = append(actions, routineAction{ev: newShutdownEvent(), target: s.eventTx})
				s.state.setRetired()
				justRetired = append(justRetired, s)
				g.sessions[i] = nil
				continue
			}

			if channel != "" {
				actions = append(actions, routineAction{ev: newPingEvent(false), target: s.eventTx})
			}
			actions = append(actions, routineAction{ev: newRoutineEvent(), target: s.eventTx})

			if s.maxAliveSecs > 0 && channel != "" {
				jitter := time.Duration(rand.Intn(121)-60) * time.Second
				if s.state.age() > time.Duration(s.maxAliveSecs)*time.Second+jitter {
					s.state.setRetired()
					justRetired = append(justRetired, s)
					g.sessions[i] = nil
				}
			}
		}
	}
	for _, s := range globalRegistry.retired {
		actions = append(actions, routineAction{ev: newRoutineEvent(), target: s.eventTx})
	}
	globalRegistry.retired = append(globalRegistry.retired, justRetired...)
	globalRegistry.mu.Unlock()

	for _, a := range actions {
		a.target <- a.ev
	}
}

// StartRoutine launches the background sweep goroutine, ticking every
// period until ctx is cancelled. The client and server commands pass
// their routineperiod setting here (5s by default).
func StartRoutine(ctx context.Context, period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepAllSessions()
			}
		}
	}()
}
