package service

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/node"
)

// Service exposes the node's state over HTTP: /stats, /connections and
// /peers.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServeMux
// of the http package. Another server in the same process may be using
// the DefaultServeMux, in which case the handlers are reachable from
// both.
func (s *Service) registerHandlers() {
	s.logger.Debug("registering service handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/connections", s.makeHandler(s.GetConnections))
	http.HandleFunc("/peers", s.makeHandler(s.GetPeers))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("serving node API")

	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.node.Stats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// GetConnections ...
func (s *Service) GetConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.node.Connections()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(conns)
}

// GetPeers ...
func (s *Service) GetPeers(w http.ResponseWriter, r *http.Request) {
	type jsonPeer struct {
		Host      string `json:"host"`
		Port      int    `json:"port"`
		Transport string `json:"transport"`
	}
	peers := s.node.PersistentPeers()
	out := make([]jsonPeer, 0, len(peers))
	for _, p := range peers {
		out = append(out, jsonPeer{Host: p.Host, Port: p.Port, Transport: p.Transport})
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(out)
}
