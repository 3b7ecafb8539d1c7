// Package peers loads and stores the persistent-peer bootstrap file. The
// peers listed there are handed to the node as persistent peers at
// startup, so lost connections to them are re-established automatically.
package peers

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/ugorji/go/codec"

	"github.com/nordictel/diameter/src/node"
)

const jsonPeerPath = "peers.json"

// JSONPeer is the file representation of one peer.
type JSONPeer struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport"`
}

// JSONPeers is a peer store backed by a JSON file.
type JSONPeers struct {
	l    sync.Mutex
	path string
}

// NewJSONPeers creates a store under the given directory.
func NewJSONPeers(base string) *JSONPeers {
	return &JSONPeers{path: filepath.Join(base, jsonPeerPath)}
}

// Peers reads the bootstrap file. A missing file is not an error; it
// yields an empty list.
func (j *JSONPeers) Peers() ([]*node.Peer, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var raw []JSONPeer
	jh := new(codec.JsonHandle)
	if err := codec.NewDecoderBytes(buf, jh).Decode(&raw); err != nil {
		return nil, err
	}

	peers := make([]*node.Peer, 0, len(raw))
	for _, p := range raw {
		transport := p.Transport
		if transport == "" {
			transport = node.TransportTCP
		}
		port := p.Port
		if port == 0 {
			port = node.DefaultPort
		}
		peers = append(peers, &node.Peer{Host: p.Host, Port: port, Transport: transport})
	}
	return peers, nil
}

// SetPeers writes the bootstrap file.
func (j *JSONPeers) SetPeers(peers []*node.Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	raw := make([]JSONPeer, 0, len(peers))
	for _, p := range peers {
		raw = append(raw, JSONPeer{Host: p.Host, Port: p.Port, Transport: p.Transport})
	}

	var buf []byte
	jh := new(codec.JsonHandle)
	jh.Indent = 2
	if err := codec.NewEncoderBytes(&buf, jh).Encode(raw); err != nil {
		return err
	}
	return ioutil.WriteFile(j.path, buf, 0644)
}
