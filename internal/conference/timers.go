package conference

import (
	"time"

	"github.com/conferencefocus/focus/internal/events"
)

// scheduleStartTimeout arms the conference-start deadline of §4.5: if no
// participant ever reaches Established within ConferenceStartTimeout, the
// conference is destroyed.
func (c *Conference) scheduleStartTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.ConferenceStartTimeout <= 0 {
		return
	}
	c.startTimer = time.AfterFunc(c.cfg.ConferenceStartTimeout, func() {
		c.queue.Submit(c.onStartTimeout)
	})
}

func (c *Conference) onStartTimeout() {
	c.mu.Lock()
	anyEstablished := false
	for _, p := range c.participants {
		if p.State() == StateEstablished {
			anyEstablished = true
			break
		}
	}
	c.mu.Unlock()
	if anyEstablished {
		return
	}
	c.emitter.PublishAsync(&events.BaseEvent{
		EventType: events.ConferenceStartTimeout,
		EventTime: time.Now(),
		MeetingID: c.MeetingID,
	})
	c.destroyConference("conference start timeout")
}

// cancelStartTimeout disarms the conference-start deadline once any
// participant reaches Established.
func (c *Conference) cancelStartTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
}

// scheduleIdleTimeoutLocked arms the single-participant destruction
// deadline of §4.5. Callers must hold c.mu.
func (c *Conference) scheduleIdleTimeoutLocked() {
	if c.idleTimer != nil || c.cfg.ConferenceSingleParticipantTimeout <= 0 {
		return
	}
	c.idleTimer = time.AfterFunc(c.cfg.ConferenceSingleParticipantTimeout, func() {
		c.queue.Submit(c.onIdleTimeout)
	})
}

// cancelIdleTimeoutLocked disarms the single-participant deadline, e.g.
// because a second participant joined. Callers must hold c.mu.
func (c *Conference) cancelIdleTimeoutLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *Conference) onIdleTimeout() {
	c.mu.Lock()
	c.idleTimer = nil
	c.mu.Unlock()
	c.emitter.PublishAsync(&events.BaseEvent{
		EventType: events.ConferenceSingleParticipant,
		EventTime: time.Now(),
		MeetingID: c.MeetingID,
	})
	c.destroyConference("single participant timeout")
}

// destroyConference is idempotent: the first call tears the conference
// down, every subsequent call is a no-op (§4.5 "destruction is terminal").
func (c *Conference) destroyConference(reason string) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	if c.pendingSignalTimer != nil {
		c.pendingSignalTimer.Stop()
		c.pendingSignalTimer = nil
	}
	participants := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, p)
	}
	c.participants = make(map[string]*Participant)
	c.mu.Unlock()

	for _, p := range participants {
		p.transition(StateTerminated)
		c.terminateParticipant(p)
	}

	c.room.Close()
	c.logger.Info("conference destroyed", "reason", reason)

	c.emitter.PublishAsync(&events.ConferenceDestroyedEvent{
		BaseEvent: events.BaseEvent{
			EventType: events.ConferenceDestroyed,
			EventTime: time.Now(),
			MeetingID: c.MeetingID,
		},
		Reason: reason,
	})

	if c.onDestroy != nil {
		c.onDestroy(reason)
	}
}
