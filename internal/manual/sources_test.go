package manual

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/balance_bot/internal/timeutil"
)

func TestPadServer(t *testing.T) {
	pad := NewPadServer(nil)
	srv := httptest.NewServer(pad.Handler())
	defer srv.Close()

	_, _, err := pad.Position()
	assert.ErrorIs(t, err, ErrNoPosition)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/pad", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, pad.Start())

	require.NoError(t, conn.WriteJSON(PadMessage{Pressed: true, X: -0.5, Y: -1}))
	require.Eventually(t, func() bool {
		fwd, turn, err := pad.Position()
		return err == nil && fwd == 1 && turn == 0.5
	}, time.Second, time.Millisecond)

	require.NoError(t, conn.WriteJSON(PadMessage{Pressed: false, X: 0.3, Y: 0.3}))
	require.Eventually(t, func() bool {
		fwd, turn, err := pad.Position()
		return err == nil && fwd == 0 && turn == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, pad.Stop())
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	_, _, err = pad.Position()
	assert.ErrorIs(t, err, ErrNoPosition)
}

type fakeToken struct{ err error }

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	payload []byte
}

func (m fakeMessage) Payload() []byte { return m.payload }

type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	handlers     map[string]mqtt.MessageHandler
	unsubscribed []string
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
	}
	c.handlers[topic] = cb
	return fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return fakeToken{}
}

func (c *fakeClient) deliver(topic, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, fakeMessage{payload: []byte(payload)})
}

func TestMQTTSource(t *testing.T) {
	client := &fakeClient{}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := NewMQTTSource(client, "bot/remote", nil, clock)
	require.NoError(t, src.Start())

	_, _, err := src.Position()
	assert.ErrorIs(t, err, ErrNoPosition)

	client.deliver("bot/remote", `{"forward":0.4,"turn":-0.6}`)
	fwd, turn, err := src.Position()
	require.NoError(t, err)
	assert.Equal(t, 0.4, fwd)
	assert.Equal(t, -0.6, turn)

	// garbage keeps the last good command
	client.deliver("bot/remote", `{"forward":`)
	fwd, _, err = src.Position()
	require.NoError(t, err)
	assert.Equal(t, 0.4, fwd)

	clock.Advance(DefaultStaleAfter + time.Millisecond)
	_, _, err = src.Position()
	assert.ErrorIs(t, err, ErrNoPosition)

	require.NoError(t, src.Stop())
	assert.Equal(t, []string{"bot/remote"}, client.unsubscribed)
}

func nmeaLine(body string) string {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, cs)
}

func TestNunchuckSentence(t *testing.T) {
	s, err := newSentenceParser().Parse(strings.TrimSpace(nmeaLine("PNCK,0.25,-1.00,0,1")))
	require.NoError(t, err)
	n, ok := s.(Nunchuck)
	require.True(t, ok)
	assert.Equal(t, 0.25, n.X)
	assert.Equal(t, -1.0, n.Y)
	assert.False(t, n.C)
	assert.True(t, n.Z)

	_, err = newSentenceParser().Parse("$PNCK,0.25,-1.00,0,1*00")
	assert.Error(t, err, "bad checksum")
	_, err = newSentenceParser().Parse(strings.TrimSpace(nmeaLine("PNCK,2,0,0,0")))
	assert.Error(t, err, "out of range")
	_, err = newSentenceParser().Parse(strings.TrimSpace(nmeaLine("PNCK,a,0,0,0")))
	assert.Error(t, err, "not a number")
}

func TestSerialSource(t *testing.T) {
	pr, pw := io.Pipe()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := newSerialSource(func() (io.ReadCloser, error) { return pr, nil }, nil, clock)
	require.NoError(t, src.Start())

	_, _, err := src.Position()
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = io.WriteString(pw, "garbage from boot\r\n"+nmeaLine("PNCK,0.5,0.75,0,0"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		fwd, turn, err := src.Position()
		return err == nil && fwd == 0.75 && turn == 0.5
	}, time.Second, time.Millisecond)

	assert.Error(t, src.handleLine("$PNCK,0.1,0.1,0,0*00"))
	fwd, _, err := src.Position()
	require.NoError(t, err)
	assert.Equal(t, 0.75, fwd)

	require.NoError(t, src.handleLine(nmeaLine("PNCK,0.5,0.75,1,0")))
	fwd, turn, err := src.Position()
	require.NoError(t, err)
	assert.Zero(t, fwd, "C held is neutral")
	assert.Zero(t, turn)

	clock.Advance(2 * DefaultStaleAfter)
	_, _, err = src.Position()
	assert.ErrorIs(t, err, ErrNoPosition)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())
}

// stuckPort ignores Close: reads block until released.
type stuckPort struct {
	release chan struct{}
}

func (p *stuckPort) Read([]byte) (int, error) {
	<-p.release
	return 0, io.EOF
}

func (p *stuckPort) Close() error { return nil }

func TestSerialSourceStopDoesNotHangOnBlockedRead(t *testing.T) {
	port := &stuckPort{release: make(chan struct{})}
	defer close(port.release)
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := newSerialSource(func() (io.ReadCloser, error) { return port, nil }, nil, clock)
	require.NoError(t, src.Start())

	stopped := make(chan error, 1)
	go func() { stopped <- src.Stop() }()

	require.Eventually(t, func() bool {
		clock.Advance(serialStopTimeout)
		select {
		case err := <-stopped:
			return assert.NoError(t, err)
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	_, _, err := src.Position()
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestProgramSource(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	steps := []Step{
		{Duration: time.Second, Forward: 0.5},
		{Duration: time.Second, Forward: 5},
		{Duration: 2 * time.Second, Forward: -0.5, Turn: 0.4},
	}
	p, err := NewProgramSource(steps, false, nil, clock)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, p.Total())

	_, _, err = p.Position()
	assert.ErrorIs(t, err, ErrNoPosition, "not started")

	require.NoError(t, p.Start())
	fwd, _, err := p.Position()
	require.NoError(t, err)
	assert.Equal(t, 0.5, fwd)

	clock.Advance(1500 * time.Millisecond)
	fwd, turn, err := p.Position()
	require.NoError(t, err)
	assert.Equal(t, -0.5, fwd)
	assert.Equal(t, 0.4, turn)

	clock.Advance(1500 * time.Millisecond)
	_, _, err = p.Position()
	assert.ErrorIs(t, err, ErrNoPosition)

	r, err := NewProgramSource(steps, true, nil, clock)
	require.NoError(t, err)
	require.NoError(t, r.Start())
	clock.Advance(3*time.Second + 500*time.Millisecond)
	fwd, _, err = r.Position()
	require.NoError(t, err)
	assert.Equal(t, 0.5, fwd)

	_, err = NewProgramSource([]Step{{Duration: 0, Forward: 1}}, false, nil, clock)
	assert.Error(t, err)
}
