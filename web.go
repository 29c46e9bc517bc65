package taskmaster

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// dashboardIndex is a minimal inline page; the teacher ships a static
// template.html, but this module has no bundled web assets, so the page
// is small enough to keep as a literal instead of inventing a templating
// dependency for one page.
const dashboardIndex = `<!doctype html>
<html><head><title>taskmaster</title></head>
<body>
<pre id="out">connecting...</pre>
<script>
  const ws = new WebSocket("ws://" + location.host + "/ws");
  ws.onmessage = (e) => { document.getElementById("out").textContent = e.data; };
</script>
</body></html>`

// Dashboard is the live monitoring page the teacher's web.go ships:
// a websocket broadcast of the orchestrator's stat snapshots. It is a
// pure observer (SPEC_FULL §4.8 NEW) and never sits on the critical path
// of task assignment.
type Dashboard struct {
	upgrader websocket.Upgrader
	log      logging.LeveledLogger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewDashboard returns a Dashboard ready to ListenAndServe on port.
func NewDashboard() *Dashboard {
	return &Dashboard{
		log:     scopedLogger("dashboard"),
		clients: make(map[*websocket.Conn]bool),
	}
}

// ListenAndServe starts the dashboard's HTTP server; it runs until the
// process exits or http.ListenAndServe returns an error.
func (d *Dashboard) ListenAndServe(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", d.serveIndex)
	mux.HandleFunc("/ws", d.wsHandler)

	d.log.Infof("dashboard listening on :%d", port)
	return http.ListenAndServe(":"+strconv.Itoa(port), mux)
}

func (d *Dashboard) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, dashboardIndex)
}

func (d *Dashboard) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	d.mu.Lock()
	d.clients[conn] = true
	d.mu.Unlock()
}

// Broadcast sends a Snapshot to every connected dashboard client,
// dropping any client whose write fails.
func (d *Dashboard) Broadcast(snap Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.clients {
		if err := c.WriteMessage(websocket.TextMessage, body); err != nil {
			c.Close()
			delete(d.clients, c)
		}
	}
}
