package config

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nordictel/diameter/src/node"
)

func TestNodeSettingsConversion(t *testing.T) {
	c := NewDefaultConfig()
	c.HostID = "a.example"
	c.Realm = "example"
	c.AuthApps = []uint32{4}
	c.AcctApps = []uint32{3}
	c.SupportedVendors = []uint32{10415}
	c.UseSCTP = "disabled"

	settings, err := c.NodeSettings()
	if err != nil {
		t.Fatal(err)
	}
	if settings.HostID != "a.example" || settings.Realm != "example" {
		t.Fatal("identity not carried over")
	}
	if settings.UseTCP != node.TransportRequired {
		t.Fatalf("wrong TCP policy: %v", settings.UseTCP)
	}
	if settings.UseSCTP != node.TransportDisabled {
		t.Fatalf("wrong SCTP policy: %v", settings.UseSCTP)
	}
	if !settings.Capabilities.IsAllowedAuthApp(4) ||
		!settings.Capabilities.IsAllowedAcctApp(3) ||
		!settings.Capabilities.IsSupportedVendor(10415) {
		t.Fatal("capabilities not carried over")
	}
	if settings.WatchdogInterval != DefaultWatchdogInterval {
		t.Fatalf("wrong watchdog interval: %v", settings.WatchdogInterval)
	}
}

func TestNodeSettingsRejectsBadPolicy(t *testing.T) {
	c := NewDefaultConfig()
	c.HostID = "a.example"
	c.Realm = "example"
	c.UseTCP = "sometimes"
	if _, err := c.NodeSettings(); err == nil {
		t.Fatal("expected policy parse error")
	}
}

func TestNodeSettingsRequiresIdentity(t *testing.T) {
	c := NewDefaultConfig()
	if _, err := c.NodeSettings(); err == nil {
		t.Fatal("expected validation error without host and realm")
	}
}

func TestLogLevelParsing(t *testing.T) {
	if LogLevel("info") != logrus.InfoLevel {
		t.Fatal("info not parsed")
	}
	if LogLevel("fatal") != logrus.FatalLevel {
		t.Fatal("fatal not parsed")
	}
	if LogLevel("nonsense") != logrus.DebugLevel {
		t.Fatal("unknown level should fall back to debug")
	}
}
