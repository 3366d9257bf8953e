// Package observer streams flush frames to read-only visualisers over a
// websocket and serves the static map they draw on.
package observer

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"soundlines.art/internal/observerproto"
	"soundlines.art/internal/sim/ecology"
	"soundlines.art/internal/sim/world"
)

// Store is what the bootstrap endpoint reads.
type Store interface {
	Cells(ctx context.Context) ([]ecology.Cell, error)
	Species(ctx context.Context) ([]ecology.Species, error)
}

type Option func(*Server)

// AllowRemote lets non-loopback clients connect.
func AllowRemote() Option {
	return func(s *Server) { s.allowRemote = true }
}

type Server struct {
	st  Store
	log *log.Logger

	allowRemote bool
	upgrader    websocket.Upgrader

	tick    atomic.Uint64
	dropped atomic.Uint64

	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscriber
}

type subscriber struct {
	mu  sync.Mutex
	sub observerproto.SubscribeMsg
	out chan []byte

	// kicked closes when the client fell behind and was dropped.
	kicked chan struct{}
	once   sync.Once
}

func newSubscriber(sub observerproto.SubscribeMsg) *subscriber {
	return &subscriber{sub: sub, out: make(chan []byte, 8), kicked: make(chan struct{})}
}

func (c *subscriber) kick() { c.once.Do(func() { close(c.kicked) }) }

func (c *subscriber) view() observerproto.SubscribeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *subscriber) setView(sub observerproto.SubscribeMsg) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

func NewServer(st Store, logger *log.Logger, opts ...Option) *Server {
	s := &Server{
		st:  st,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: map[uint64]*subscriber{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// Subscribers returns the number of connected observers.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Dropped counts clients disconnected for falling behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

// Publish fans f out to every subscriber without blocking. A client whose
// queue is full is disconnected. It is meant to be registered with
// World.OnFlush.
func (s *Server) Publish(f world.Frame) {
	s.tick.Store(f.Tick)

	s.mu.Lock()
	subs := make(map[uint64]*subscriber, len(s.subs))
	for id, c := range s.subs {
		subs[id] = c
	}
	s.mu.Unlock()

	for id, c := range subs {
		b, err := json.Marshal(frameFor(f, c.view()))
		if err != nil {
			s.logf("observer: encode frame: %v", err)
			continue
		}
		select {
		case c.out <- b:
		default:
			s.dropped.Add(1)
			s.remove(id)
			c.kick()
			s.logf("observer: dropped slow client id=%d", id)
		}
	}
}

func (s *Server) remove(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func frameFor(f world.Frame, sub observerproto.SubscribeMsg) observerproto.FrameMsg {
	msg := observerproto.FrameMsg{
		Type:            observerproto.TypeFrame,
		ProtocolVersion: observerproto.Version,
		Tick:            f.Tick,
		At:              f.At,
		StepsPerSec:     f.StepsPerSecond(),
		Bloomed:         f.Stats.Bloomed,
		Died:            f.Stats.Died,
		Entities:        make([]observerproto.EntityState, 0, len(f.Entities)),
	}
	in := func(lon, lat float64) bool {
		if sub.Bound == nil {
			return true
		}
		b := sub.Bound
		return lon >= b[0] && lat >= b[1] && lon <= b[2] && lat <= b[3]
	}
	for _, e := range f.Entities {
		if in(e.Point.Lon(), e.Point.Lat()) {
			msg.Entities = append(msg.Entities, observerproto.EntityStateOf(e))
		}
	}
	if sub.IncludeSeeds {
		for _, sd := range f.Seeds {
			if in(sd.Point.Lon(), sd.Point.Lat()) {
				msg.Seeds = append(msg.Seeds, observerproto.SeedStateOf(sd))
			}
		}
	}
	return msg
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		cells, err := s.st.Cells(r.Context())
		if err != nil {
			s.logf("observer: bootstrap cells: %v", err)
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}
		species, err := s.st.Species(r.Context())
		if err != nil {
			s.logf("observer: bootstrap species: %v", err)
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.tick.Load(),
			Cells:           observerproto.CellFeatures(cells),
			Species:         species,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The first message must be SUBSCRIBE.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		c := newSubscriber(sub)
		s.mu.Lock()
		s.next++
		id := s.next
		s.subs[id] = c
		s.mu.Unlock()
		s.logf("observer: %s subscribed id=%d", r.RemoteAddr, id)
		defer s.remove(id)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-c.kicked:
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(time.Second))
					_ = conn.Close()
					writeErr <- nil
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Later SUBSCRIBE messages replace the view.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				c.setView(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if b := sub.Bound; b != nil && (b[0] > b[2] || b[1] > b[3]) {
		sub.Bound = nil
	}
	return sub, true
}

func (s *Server) allowed(r *http.Request) bool {
	return s.allowRemote || isLoopbackRemote(r.RemoteAddr)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
