package conversation

import (
	"log"

	"github.com/campaignhub/convsync/internal/clock"
	"github.com/campaignhub/convsync/internal/metrics"
)

// typingTimer is the local debounce state for one thread. gen guards against
// a timer that fired after it was replaced.
type typingTimer struct {
	timer *clock.Timer
	gen   uint64
}

// Typing records a local keystroke in a thread. The first keystroke sends
// typing=true and every later one restarts the idle timer. When the timer
// fires typing=false is sent once. Keystrokes are dropped until a start
// signal goes out, so a stop is never sent without one.
func (c *Core) Typing(threadID string) error {
	return c.do(func() {
		tt, ok := c.st.debounce[threadID]
		if !ok {
			if !c.sendTyping(threadID, true) {
				return
			}
			tt = &typingTimer{}
			c.st.debounce[threadID] = tt
		}
		if tt.timer != nil {
			tt.timer.Stop()
		}
		tt.gen++
		gen := tt.gen
		tt.timer = c.clock.AfterFunc(c.config.TypingIdle, func() {
			c.post(func() { c.typingIdle(threadID, gen) })
		})
	})
}

// StopTyping cancels the idle timer for a thread and sends typing=false if a
// start was sent.
func (c *Core) StopTyping(threadID string) error {
	return c.do(func() { c.stopTyping(threadID) })
}

func (c *Core) typingIdle(threadID string, gen uint64) {
	tt, ok := c.st.debounce[threadID]
	if !ok || tt.gen != gen {
		return
	}
	delete(c.st.debounce, threadID)
	c.sendTyping(threadID, false)
}

// stopTyping must run on the loop.
func (c *Core) stopTyping(threadID string) {
	tt, ok := c.st.debounce[threadID]
	if !ok {
		return
	}
	if tt.timer != nil {
		tt.timer.Stop()
	}
	delete(c.st.debounce, threadID)
	c.sendTyping(threadID, false)
}

// sendTyping is best effort: a dropped signal is only logged. It reports
// whether the signal was handed to the channel.
func (c *Core) sendTyping(threadID string, isTyping bool) bool {
	if c.st.conn != Connected {
		return false
	}
	if err := c.channel.SendTyping(threadID, isTyping); err != nil {
		log.Printf("[core] typing %s=%v: %v", threadID, isTyping, err)
		return false
	}

	state := "stop"
	if isTyping {
		state = "start"
	}
	metrics.TypingSignalsTotal.WithLabelValues(state).Inc()
	return true
}
