package manual

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relabs-tech/balance_bot/internal/event"
)

// PadMessage is what a touch pad client sends on every change.
// x and y are in [-1, 1] measured from the pad centre, x growing to the
// left and y growing downward.
type PadMessage struct {
	Pressed bool    `json:"pressed"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// PadServer is a PositionSource fed by browser touch pads over websocket.
// Serve /pad with ServeHTTP; Handler adds a minimal pad page at /.
type PadServer struct {
	upgrader websocket.Upgrader
	bus      *event.Bus

	mu     sync.Mutex
	active bool
	conns  map[*websocket.Conn]struct{}
	last   PadMessage
}

func NewPadServer(bus *event.Bus) *PadServer {
	return &PadServer{
		upgrader: websocket.Upgrader{
			// pads are served from the robot itself on the local network
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		bus:   bus,
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler serves the pad page at / and the websocket at /pad.
func (p *PadServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/pad", p)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, padPage)
	})
	return mux
}

func (p *PadServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.bus.Post(event.Manual, "pad: websocket upgrade error: "+err.Error(), event.Warning)
		return
	}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	p.bus.Post(event.Manual, "pad connected from "+r.RemoteAddr, event.Info)

	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		if len(p.conns) == 0 {
			p.last = PadMessage{}
		}
		p.mu.Unlock()
		conn.Close()
		p.bus.Post(event.Manual, "pad disconnected from "+r.RemoteAddr, event.Info)
	}()

	for {
		var msg PadMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.bus.Post(event.Manual, "pad: websocket read error: "+err.Error(), event.Warning)
			}
			return
		}
		if !isFinite(msg.X) || !isFinite(msg.Y) {
			continue
		}
		p.mu.Lock()
		p.last = msg
		p.mu.Unlock()
	}
}

func (p *PadServer) Start() error {
	p.mu.Lock()
	p.active = true
	p.last = PadMessage{}
	p.mu.Unlock()
	return nil
}

// Position maps the pad so that pushing up drives forward and pushing right
// turns right. A released pad reports (0, 0); with no pad connected there
// is no position.
func (p *PadServer) Position() (float64, float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active || len(p.conns) == 0 {
		return 0, 0, ErrNoPosition
	}
	if !p.last.Pressed {
		return 0, 0, nil
	}
	return -p.last.Y, -p.last.X, nil
}

// Stop closes every pad connection.
func (p *PadServer) Stop() error {
	p.mu.Lock()
	p.active = false
	conns := make([]*websocket.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "manual control ended"), deadline)
		c.Close()
	}
	return nil
}

const padPage = `<!doctype html>
<html><head><meta name="viewport" content="width=device-width,initial-scale=1">
<title>balance_bot pad</title>
<style>body{margin:0;background:#111}#pad{width:100vmin;height:100vmin;border-radius:50%;background:#246;margin:auto;touch-action:none}</style>
</head><body><div id="pad"></div><script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/pad");
const pad = document.getElementById("pad");
function send(e, pressed) {
  const r = pad.getBoundingClientRect();
  const x = 1 - ((e.clientX - r.left) / r.width) * 2;
  const y = ((e.clientY - r.top) / r.height) * 2 - 1;
  if (ws.readyState === 1) ws.send(JSON.stringify({pressed: pressed, x: x, y: y}));
}
pad.onpointerdown = e => { pad.setPointerCapture(e.pointerId); send(e, true); };
pad.onpointermove = e => { if (e.buttons) send(e, true); };
pad.onpointerup = e => send(e, false);
</script></body></html>
`
