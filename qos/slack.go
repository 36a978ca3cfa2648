package qos

import (
	"time"

	"golang.org/x/time/rate"
)

// SlackTimer enforces the send path's optional slack-time sleep between
// packets and the max_send_hertz cap, both as a single
// golang.org/x/time/rate.Limiter: slack_time converts to an equivalent
// max rate, and max_send_hertz, if set, is the tighter of the two.
type SlackTimer struct {
	limiter *rate.Limiter
}

// NewSlackTimer builds a SlackTimer from slackTime (seconds between
// sends, 0 disables) and maxSendHertz (sends per second, 0 disables).
// When both are set, the more restrictive one wins.
func NewSlackTimer(slackTime, maxSendHertz float64) *SlackTimer {
	var hz float64
	if slackTime > 0 {
		hz = 1 / slackTime
	}
	if maxSendHertz > 0 && (hz == 0 || maxSendHertz < hz) {
		hz = maxSendHertz
	}
	if hz <= 0 {
		return &SlackTimer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &SlackTimer{limiter: rate.NewLimiter(rate.Limit(hz), 1)}
}

// Wait blocks until the next send is permitted.
func (s *SlackTimer) Wait() {
	r := s.limiter.Reserve()
	if !r.OK() {
		return
	}
	time.Sleep(r.Delay())
}
