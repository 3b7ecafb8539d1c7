package node

import (
	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/diam"
)

// MessageDispatcher receives decoded non-base messages on connections
// past the capability exchange. Requests that fail loop detection or the application filter
// are answered by the node and never reach it. A false return on a request
// makes the node answer Unable-To-Deliver.
type MessageDispatcher interface {
	Handle(msg *diam.Message, key ConnectionKey, peer *Peer) bool
}

// ConnectionListener is notified when connections finish their capability
// exchange (up=true) and when they close (up=false).
type ConnectionListener interface {
	Handle(key ConnectionKey, peer *Peer, up bool)
}

// DefaultMessageDispatcher declines everything, making the node reject
// requests with Unable-To-Deliver. Real applications install their own.
type DefaultMessageDispatcher struct{}

// Handle implements MessageDispatcher.
func (DefaultMessageDispatcher) Handle(msg *diam.Message, key ConnectionKey, peer *Peer) bool {
	return false
}

// DefaultConnectionListener just logs transitions.
type DefaultConnectionListener struct {
	Logger *logrus.Entry
}

// Handle implements ConnectionListener.
func (l DefaultConnectionListener) Handle(key ConnectionKey, peer *Peer, up bool) {
	if l.Logger == nil {
		return
	}
	l.Logger.WithFields(logrus.Fields{
		"peer": peer,
		"up":   up,
	}).Info("connection state changed")
}
