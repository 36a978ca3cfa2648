package madara_test

import (
	"context"
	"testing"
	"time"

	"github.com/madara-run/madara/knowledge"
	"github.com/madara-run/madara/madara"
	"github.com/madara-run/madara/settings"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopback is an in-memory transport.Binding pair used to exercise an
// Agent's send/receive path without real sockets.
type loopback struct {
	out chan []byte
	in  chan []byte
}

func newLoopbackPair() (*loopback, *loopback) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &loopback{out: ab, in: ba}, &loopback{out: ba, in: ab}
}

func (l *loopback) Send(ctx context.Context, payload []byte) error {
	cp := append([]byte(nil), payload...)
	l.out <- cp
	return nil
}

func (l *loopback) Read(ctx context.Context) ([]byte, error) {
	select {
	case buf := <-l.in:
		return buf, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopback) Close() error { return nil }

func TestAgentSetGetAndConvergence(t *testing.T) {
	bindA, bindB := newLoopbackPair()

	sA := settings.New()
	sA.ID = 0
	agentA := madara.New("a", bindA, sA, zap.NewNop())

	sB := settings.New()
	sB.ID = 1
	agentB := madara.New("b", bindB, sB, zap.NewNop())

	agentA.Start()
	agentB.Start()
	defer agentA.Stop()
	defer agentB.Stop()

	var v knowledge.Record
	v.SetInteger(42)
	agentA.Set("x", v, 0, false)

	require.Equal(t, int64(42), agentA.Get("x").Int())

	require.True(t, agentB.WaitForChange(time.Second))
	require.Equal(t, int64(42), agentB.Get("x").Int())
}

func TestAgentStopIsSafeWithoutSubscribers(t *testing.T) {
	bindA, _ := newLoopbackPair()
	agent := madara.New("a", bindA, settings.New(), zap.NewNop())
	agent.Start()
	agent.Stop()
}
