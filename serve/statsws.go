package serve

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second
)

// StatsUpdater pushes a stats snapshot to every websocket client once per
// Interval.
type StatsUpdater struct {
	Relay    StatsProvider
	Interval time.Duration

	upgrader websocket.Upgrader
	cs       map[chan []byte]bool
	addc     chan chan []byte
	delc     chan chan []byte
	done     chan struct{}
}

func NewStatsUpdater(relay StatsProvider, interval time.Duration) *StatsUpdater {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsUpdater{
		Relay:    relay,
		Interval: interval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs:   make(map[chan []byte]bool),
		addc: make(chan chan []byte),
		delc: make(chan chan []byte),
		done: make(chan struct{}),
	}
}

// Run broadcasts until ctx is done. Snapshots are only taken while someone is
// connected. Run must only be called once.
func (m *StatsUpdater) Run(ctx context.Context) error {
	defer close(m.done)
	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			for c := range m.cs {
				close(c)
				delete(m.cs, c)
			}
			return nil
		case c := <-m.addc:
			m.cs[c] = true
		case c := <-m.delc:
			if m.cs[c] {
				close(c)
				delete(m.cs, c)
			}
		case <-t.C:
			if len(m.cs) == 0 {
				continue
			}
			js, err := json.Marshal(m.Relay.Stats())
			if err != nil {
				log.Errorf("Failed to encode stats: %v", err)
				continue
			}
			for c := range m.cs {
				select {
				case c <- js:
				default:
					// Client still writing the previous snapshot.
				}
			}
		}
	}
}

func (m *StatsUpdater) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for stats stream: %v", err)
		}
		return
	}
	go m.serve(ws)
}

func (m *StatsUpdater) serve(ws *websocket.Conn) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to stats socket")
	defer func() {
		ws.Close()
		clog.Info("disconnected from stats socket")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	statsc := make(chan []byte, 1)
	select {
	case m.addc <- statsc:
	case <-m.done:
		return
	}
	defer func() {
		select {
		case m.delc <- statsc:
		case <-m.done:
		}
	}()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case js, ok := <-statsc:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, js); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}
