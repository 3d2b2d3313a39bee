// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package dummy

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"sync"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

const (
	receiveEvt  = "receive"
	transmitEvt = "transmit"
)

// Event is emitted on the websocket for every packet the dummy radio receives or transmits
type Event struct {
	Type    string `json:"type"`
	Payload []byte `json:"payload"`
	RSSI    int    `json:"rssi,omitempty"`
}

// Server is a http server that drives a dummy Radio and exposes its events over websockets
type Server struct {
	ctx      log.Interface
	addr     string
	radio    *Radio
	upgrader websocket.Upgrader
	events   chan *Event

	mu      sync.Mutex // Protects clients
	clients map[*websocket.Conn]struct{}
}

// NewServer creates a new server for the radio
func NewServer(ctx log.Interface, addr string, radio *Radio) *Server {
	s := &Server{
		ctx:     ctx.WithField("Connector", "Dummy-HTTP"),
		addr:    addr,
		radio:   radio,
		events:  make(chan *Event, BufferSize),
		clients: make(map[*websocket.Conn]struct{}),
	}
	radio.observe(s.emit)
	go s.handleEvents()
	return s
}

// WithHTTPServer starts a HTTP server for the radio on addr
func (r *Radio) WithHTTPServer(addr string) *Radio {
	s := NewServer(r.ctx, addr, r)
	go s.Listen()
	return r
}

// Handler returns the http.Handler of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/uplink", s.handleUplink)
	mux.HandleFunc("/transmitted", s.handleTransmitted)
	mux.HandleFunc("/events", s.handleEventsSocket)
	return mux
}

// Listen opens the server and starts listening for http requests
func (s *Server) Listen() {
	s.ctx.Infof("HTTP server listening on %s", s.addr)
	err := http.ListenAndServe(s.addr, s.Handler())
	if err != nil {
		s.ctx.WithError(err).Error("Could not serve HTTP")
	}
}

func (s *Server) handleUplink(res http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(res, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var rssi int
	if v := req.URL.Query().Get("rssi"); v != "" {
		var err error
		rssi, err = strconv.Atoi(v)
		if err != nil {
			http.Error(res, "Invalid rssi", http.StatusBadRequest)
			return
		}
	}
	payload, err := ioutil.ReadAll(req.Body)
	if err != nil {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}
	switch err := s.radio.Inject(payload, rssi); err {
	case nil:
		res.WriteHeader(http.StatusAccepted)
	case ErrNotReceiving:
		http.Error(res, err.Error(), http.StatusConflict)
	default:
		http.Error(res, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) handleTransmitted(res http.ResponseWriter, _ *http.Request) {
	res.Header().Add("content-type", "application/json; charset=utf-8")
	json.NewEncoder(res).Encode(s.radio.Transmitted())
}

func (s *Server) handleEventsSocket(res http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(res, req, nil)
	if err != nil {
		s.ctx.WithError(err).Debug("Could not upgrade connection")
		return
	}
	ctx := s.ctx.WithField("Remote", conn.RemoteAddr().String())
	ctx.Debug("Socket connected")
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		ctx.Debug("Socket disconnected")
	}()
}

func (s *Server) handleEvents() {
	for evt := range s.events {
		s.mu.Lock()
		for conn := range s.clients {
			if err := conn.WriteJSON(evt); err != nil {
				s.ctx.WithError(err).Debug("Could not write event")
			}
		}
		s.mu.Unlock()
	}
}

func (s *Server) emit(evt *Event) {
	select {
	case s.events <- evt:
	default:
		s.ctx.Warn("Dropping event on websocket")
	}
}
