package net

import (
	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/node"
)

func init() {
	node.RegisterTransport(node.TransportTCP, func(core node.DriverCore, settings *node.Settings, logger *logrus.Entry) (node.Driver, error) {
		layer := NewTCPStreamLayer(settings.TCPPortRangeLo, settings.TCPPortRangeHi)
		return NewStreamDriver(node.TransportTCP, layer, core, settings, logger), nil
	})
}
