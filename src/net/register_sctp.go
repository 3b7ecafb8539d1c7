//go:build !nosctp
// +build !nosctp

package net

import (
	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/node"
)

func init() {
	node.RegisterTransport(node.TransportSCTP, func(core node.DriverCore, settings *node.Settings, logger *logrus.Entry) (node.Driver, error) {
		return NewStreamDriver(node.TransportSCTP, NewSCTPStreamLayer(), core, settings, logger), nil
	})
}
