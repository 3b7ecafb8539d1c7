package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/nordictel/diameter/src/common"
	"github.com/nordictel/diameter/src/node"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultPort             = node.DefaultPort
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultWatchdogInterval = 30 * time.Second
	DefaultIdleTimeout      = 0 * time.Second
	DefaultUseTCP           = "required"
	DefaultUseSCTP          = "optional"
	DefaultJitterPRNG       = "crypto"
)

// Config contains all the configuration properties of a diameter node.
type Config struct {
	// DataDir is the top-level directory containing configuration and
	// data (the peers.json bootstrap file, log files).
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, routes info-and-above log lines to a file in
	// addition to the console.
	LogFile string `mapstructure:"log-file"`

	// HostID is the Origin-Host advertised in every message.
	HostID string `mapstructure:"host"`

	// Realm is the Origin-Realm advertised in every message.
	Realm string `mapstructure:"realm"`

	// Port is the listen port for every loaded transport. 0 disables
	// listening.
	Port int `mapstructure:"port"`

	// VendorID is our Vendor-Id.
	VendorID uint32 `mapstructure:"vendor-id"`

	// ProductName is our Product-Name.
	ProductName string `mapstructure:"product-name"`

	// FirmwareRevision is included in CER/CEA when non-zero.
	FirmwareRevision uint32 `mapstructure:"firmware-revision"`

	// WatchdogInterval is the device-watchdog interval.
	WatchdogInterval time.Duration `mapstructure:"watchdog-interval"`

	// IdleTimeout closes connections without application traffic. 0
	// disables idle expiry.
	IdleTimeout time.Duration `mapstructure:"idle-timeout"`

	// UseTCP and UseSCTP are transport policies: required, optional or
	// disabled.
	UseTCP  string `mapstructure:"use-tcp"`
	UseSCTP string `mapstructure:"use-sctp"`

	// TCPPortRangeLo and TCPPortRangeHi bound the local source port of
	// outbound TCP connections.
	TCPPortRangeLo int `mapstructure:"tcp-port-range-lo"`
	TCPPortRangeHi int `mapstructure:"tcp-port-range-hi"`

	// JitterPRNG selects the watchdog-jitter PRNG. "bogus" uses a
	// time-seeded generator, deviating from RFC 3539.
	JitterPRNG string `mapstructure:"jitter-prng"`

	// AuthApps and AcctApps are the plain applications we advertise.
	AuthApps []uint32 `mapstructure:"auth-apps"`
	AcctApps []uint32 `mapstructure:"acct-apps"`

	// SupportedVendors are the Supported-Vendor-Id values we advertise.
	SupportedVendors []uint32 `mapstructure:"supported-vendors"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		Port:             DefaultPort,
		ProductName:      "nordictel-diameter",
		ServiceAddr:      DefaultServiceAddr,
		WatchdogInterval: DefaultWatchdogInterval,
		IdleTimeout:      DefaultIdleTimeout,
		UseTCP:           DefaultUseTCP,
		UseSCTP:          DefaultUseSCTP,
		JitterPRNG:       DefaultJitterPRNG,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// NodeSettings converts the configuration into node settings.
func (c *Config) NodeSettings() (*node.Settings, error) {
	useTCP, err := node.ParseTransportPolicy(c.UseTCP)
	if err != nil {
		return nil, err
	}
	useSCTP, err := node.ParseTransportPolicy(c.UseSCTP)
	if err != nil {
		return nil, err
	}
	capabilities := node.NewCapability()
	for _, v := range c.SupportedVendors {
		capabilities.AddSupportedVendor(v)
	}
	for _, app := range c.AuthApps {
		capabilities.AddAuthApp(app)
	}
	for _, app := range c.AcctApps {
		capabilities.AddAcctApp(app)
	}
	settings := &node.Settings{
		HostID:           c.HostID,
		Realm:            c.Realm,
		Port:             c.Port,
		VendorID:         c.VendorID,
		ProductName:      c.ProductName,
		FirmwareRevision: c.FirmwareRevision,
		WatchdogInterval: c.WatchdogInterval,
		IdleTimeout:      c.IdleTimeout,
		Capabilities:     capabilities,
		UseTCP:           useTCP,
		UseSCTP:          useSCTP,
		TCPPortRangeLo:   c.TCPPortRangeLo,
		TCPPortRangeHi:   c.TCPPortRangeHi,
		JitterPRNG:       c.JitterPRNG,
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Logger returns a formatted logrus Entry, with prefix set to "diameter".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			c.addFileHook()
		}
	}
	return c.logger.WithField("prefix", "diameter")
}

// addFileHook routes info-and-above lines to the configured log file.
func (c *Config) addFileHook() {
	if _, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		c.logger.WithError(err).Info("failed to open log file, using default stderr")
		return
	}
	pathMap := lfshook.PathMap{
		logrus.InfoLevel:  c.LogFile,
		logrus.WarnLevel:  c.LogFile,
		logrus.ErrorLevel: c.LogFile,
		logrus.FatalLevel: c.LogFile,
	}
	c.logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))
}

// DefaultDataDir return the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Diameter")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Diameter")
		} else {
			return filepath.Join(home, ".diameter")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
