/* usbshare - share physical USB devices over the network
 *
 * Program configuration
 */

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/usbshare/usbshare/internal/logger"
)

// ConfFileName is the name of the usbshare configuration file
const ConfFileName = "usbshare.conf"

// SharingMode is a per-device (or per-policy) default sharing mode,
// mirrored from the sharing engine's Mode so that configuration does
// not need to import internal/sharing
type SharingMode string

// Sharing modes recognized in configuration and policy files
const (
	ModeExclusive SharingMode = "exclusive"
	ModeShared    SharingMode = "shared"
	ModeReadOnly  SharingMode = "readonly"
)

// AutoConnectMode controls how eagerly a client reconnects to and
// auto-attaches devices from a known server
type AutoConnectMode string

// Auto-connect modes
const (
	AutoConnectManual AutoConnectMode = "manual"
	AutoConnectAuto   AutoConnectMode = "auto"
	AutoConnectFull   AutoConnectMode = "full"
)

// TimeWindow is a `HH:MM-HH:MM` allowed-access window. Start > End is
// interpreted as spanning midnight
type TimeWindow struct {
	Start string
	End   string
}

// Policy binds a device filter to sharing parameters and access
// restrictions, matched in priority order by the policy engine
type Policy struct {
	DeviceFilter         string // VID:PID pattern, or "*"
	AllowedClients       []string
	TimeWindows          []TimeWindow
	MaxSessionDuration   time.Duration
	RestrictedClasses    []byte
	SharingMode          SharingMode
	LockTimeout          time.Duration
	MaxConcurrentClients int

	// Priority is the QoS traffic class matched transfers are tagged
	// with; consulted by the rate limiter's CheckFor, not by the
	// policy engine itself
	Priority QoSPriority
}

// RateLimit holds the three rate-limiter scopes, each expressed as a
// limit string per the §4.C grammar (e.g. "10MB/s", "500kbps", or a
// bare integer of bytes/second). An empty string means unlimited.
type RateLimit struct {
	Global    string
	PerClient string
	PerDevice string
}

// QoSPriority names a traffic class used by the policy engine and the
// rate limiter to weight contending transfers
type QoSPriority string

// QoS priority classes
const (
	QoSRealtime    QoSPriority = "realtime"
	QoSInteractive QoSPriority = "interactive"
	QoSBulk        QoSPriority = "bulk"
	QoSBackground  QoSPriority = "background"
)

// ServerConfig is the server host's structured configuration. The
// core packages consume this struct directly; they never touch the
// on-disk file format themselves
type ServerConfig struct {
	ListenAddr string // host:port the peer protocol listens on

	SharingDefaultMode  SharingMode
	SharingLockTimeout  time.Duration
	SharingMaxClients   int

	DeviceFilters   []string // VID:PID patterns; empty means allow-all
	ClientAllowList []string // endpoint ids allowed to connect; empty means allow-all
	Policies        []Policy

	RateLimits    RateLimit
	QoSWeights    map[QoSPriority]int
	TimezoneUTCOffsetMinutes int

	DiscoveryEnable  bool
	DiscoveryIface   string // "all", "loopback", or an interface name

	LogDevice         logger.Level
	LogMain           logger.Level
	LogConsole        logger.Level
	LogMaxFileSize    int64
	LogMaxBackupFiles uint
	ColorConsole      bool

	AuditLogPath string
}

// ClientConfig is the client host's structured configuration
type ClientConfig struct {
	ServerAllowList []string // endpoint ids this client will connect to; empty means allow-all

	Servers []ServerProfile

	ReconnectInitialDelay time.Duration
	ReconnectMultiplier   float64
	ReconnectMaxDelay     time.Duration

	LogMain           logger.Level
	LogConsole        logger.Level
	LogMaxFileSize    int64
	LogMaxBackupFiles uint
	ColorConsole      bool
}

// ServerProfile describes one remembered server from the client's
// point of view: where to reach it and how eagerly to attach to its
// devices
type ServerProfile struct {
	Name              string
	Address           string
	AutoConnect       AutoConnectMode
	AutoAttachFilters []string // VID:PID or case-insensitive product-name substrings
}

// DefaultServerConfig returns a ServerConfig populated with the
// defaults matching spec-ordained fallbacks (unlimited rate, shared
// default mode, DNS-SD on all interfaces)
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:          ":9999",
		SharingDefaultMode:  ModeShared,
		SharingLockTimeout:  30 * time.Second,
		SharingMaxClients:   4,
		DiscoveryEnable:     true,
		DiscoveryIface:      "all",
		LogDevice:           logger.Debug | logger.Info | logger.Error,
		LogMain:             logger.Debug | logger.Info | logger.Error,
		LogConsole:          logger.Debug | logger.Info | logger.Error,
		LogMaxFileSize:      logger.MaxFileSize,
		LogMaxBackupFiles:   logger.MaxBackupFiles,
		ColorConsole:        true,
		AuditLogPath:        PathAuditLog,
		QoSWeights: map[QoSPriority]int{
			QoSRealtime:    8,
			QoSInteractive: 4,
			QoSBulk:        2,
			QoSBackground:  1,
		},
	}
}

// DefaultClientConfig returns a ClientConfig populated with the
// spec-ordained reconnect defaults (1s initial, x1.5, 60s cap)
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectInitialDelay: ReconnectRetryInterval,
		ReconnectMultiplier:   1.5,
		ReconnectMaxDelay:     ReconnectRetryMaxInterval,
		LogMain:               logger.Debug | logger.Info | logger.Error,
		LogConsole:            logger.Debug | logger.Info | logger.Error,
		LogMaxFileSize:        logger.MaxFileSize,
		LogMaxBackupFiles:     logger.MaxBackupFiles,
		ColorConsole:          true,
	}
}

// LoadServerConfig loads and merges server configuration from path on
// top of DefaultServerConfig(). A missing file is not an error; the
// defaults are used as-is
func LoadServerConfig(path string) (ServerConfig, error) {
	conf := DefaultServerConfig()

	file, err := ini.LoadSources(ini.LoadOptions{Loose: true, AllowNonUniqueSections: false}, path)
	if err != nil {
		return conf, fmt.Errorf("conf: %s", err)
	}

	if sec := file.Section("network"); sec != nil {
		if k := sec.Key("listen"); k.String() != "" {
			conf.ListenAddr = k.String()
		}
		if k := sec.Key("dns-sd"); k.String() != "" {
			conf.DiscoveryEnable, err = confLoadBool(k.String(), "disable", "enable")
			if err != nil {
				return conf, fmt.Errorf("conf: dns-sd: %s", err)
			}
		}
		if k := sec.Key("interface"); k.String() != "" {
			conf.DiscoveryIface = k.String()
		}
	}

	if sec := file.Section("sharing"); sec != nil {
		if k := sec.Key("default-mode"); k.String() != "" {
			conf.SharingDefaultMode = SharingMode(strings.ToLower(k.String()))
		}
		if k := sec.Key("lock-timeout"); k.String() != "" {
			secs, err := k.Int()
			if err != nil {
				return conf, fmt.Errorf("conf: lock-timeout: %s", err)
			}
			conf.SharingLockTimeout = time.Duration(secs) * time.Second
		}
		if k := sec.Key("max-clients"); k.String() != "" {
			conf.SharingMaxClients, err = k.Int()
			if err != nil {
				return conf, fmt.Errorf("conf: max-clients: %s", err)
			}
		}
	}

	if sec := file.Section("devices"); sec != nil {
		if k := sec.Key("filters"); k.String() != "" {
			conf.DeviceFilters = splitCSV(k.String())
		}
	}

	if sec := file.Section("clients"); sec != nil {
		if k := sec.Key("allow-list"); k.String() != "" {
			conf.ClientAllowList = splitCSV(k.String())
		}
	}

	if sec := file.Section("rate-limit"); sec != nil {
		conf.RateLimits.Global = sec.Key("global").String()
		conf.RateLimits.PerClient = sec.Key("per-client").String()
		conf.RateLimits.PerDevice = sec.Key("per-device").String()
	}

	if sec := file.Section("logging"); sec != nil {
		if k := sec.Key("device-log"); k.String() != "" {
			conf.LogDevice, err = confLoadLogLevel(k.String())
			if err != nil {
				return conf, fmt.Errorf("conf: device-log: %s", err)
			}
		}
		if k := sec.Key("main-log"); k.String() != "" {
			conf.LogMain, err = confLoadLogLevel(k.String())
			if err != nil {
				return conf, fmt.Errorf("conf: main-log: %s", err)
			}
		}
		if k := sec.Key("console-log"); k.String() != "" {
			conf.LogConsole, err = confLoadLogLevel(k.String())
			if err != nil {
				return conf, fmt.Errorf("conf: console-log: %s", err)
			}
		}
		if k := sec.Key("console-color"); k.String() != "" {
			conf.ColorConsole, err = confLoadBool(k.String(), "disable", "enable")
			if err != nil {
				return conf, fmt.Errorf("conf: console-color: %s", err)
			}
		}
	}

	for _, child := range file.ChildSections("policy") {
		conf.Policies = append(conf.Policies, confLoadPolicy(child))
	}

	return conf, nil
}

// LoadClientConfig loads and merges client configuration from path on
// top of DefaultClientConfig()
func LoadClientConfig(path string) (ClientConfig, error) {
	conf := DefaultClientConfig()

	file, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
	if err != nil {
		return conf, fmt.Errorf("conf: %s", err)
	}

	if sec := file.Section("servers"); sec != nil {
		if k := sec.Key("allow-list"); k.String() != "" {
			conf.ServerAllowList = splitCSV(k.String())
		}
	}

	if sec := file.Section("reconnect"); sec != nil {
		if k := sec.Key("initial-delay-ms"); k.String() != "" {
			ms, err := k.Int()
			if err != nil {
				return conf, fmt.Errorf("conf: initial-delay-ms: %s", err)
			}
			conf.ReconnectInitialDelay = time.Duration(ms) * time.Millisecond
		}
		if k := sec.Key("multiplier"); k.String() != "" {
			conf.ReconnectMultiplier, err = k.Float64()
			if err != nil {
				return conf, fmt.Errorf("conf: multiplier: %s", err)
			}
		}
		if k := sec.Key("max-delay-ms"); k.String() != "" {
			ms, err := k.Int()
			if err != nil {
				return conf, fmt.Errorf("conf: max-delay-ms: %s", err)
			}
			conf.ReconnectMaxDelay = time.Duration(ms) * time.Millisecond
		}
	}

	for _, child := range file.ChildSections("server") {
		conf.Servers = append(conf.Servers, confLoadServerProfile(child))
	}

	return conf, nil
}

// confLoadPolicy builds a Policy from an INI `[policy.NAME]` section
func confLoadPolicy(sec *ini.Section) Policy {
	p := Policy{
		DeviceFilter:         sec.Key("device-filter").MustString("*"),
		SharingMode:          SharingMode(strings.ToLower(sec.Key("sharing-mode").MustString(string(ModeShared)))),
		LockTimeout:          time.Duration(sec.Key("lock-timeout").MustInt(30)) * time.Second,
		MaxConcurrentClients: sec.Key("max-concurrent-clients").MustInt(1),
		Priority:             QoSPriority(strings.ToLower(sec.Key("priority").MustString(string(QoSInteractive)))),
	}

	if v := sec.Key("allowed-clients").String(); v != "" {
		p.AllowedClients = splitCSV(v)
	}

	if v := sec.Key("max-session-duration").String(); v != "" {
		secs, _ := strconv.Atoi(v)
		p.MaxSessionDuration = time.Duration(secs) * time.Second
	}

	if v := sec.Key("restricted-classes").String(); v != "" {
		for _, s := range splitCSV(v) {
			n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
			if err == nil {
				p.RestrictedClasses = append(p.RestrictedClasses, byte(n))
			}
		}
	}

	if v := sec.Key("time-windows").String(); v != "" {
		for _, s := range splitCSV(v) {
			parts := strings.SplitN(s, "-", 2)
			if len(parts) == 2 {
				p.TimeWindows = append(p.TimeWindows, TimeWindow{Start: parts[0], End: parts[1]})
			}
		}
	}

	return p
}

// confLoadServerProfile builds a ServerProfile from an INI
// `[server.NAME]` section
func confLoadServerProfile(sec *ini.Section) ServerProfile {
	p := ServerProfile{
		Name:        strings.TrimPrefix(sec.Name(), "server."),
		Address:     sec.Key("address").String(),
		AutoConnect: AutoConnectMode(strings.ToLower(sec.Key("auto-connect").MustString(string(AutoConnectManual)))),
	}

	if v := sec.Key("auto-attach").String(); v != "" {
		p.AutoAttachFilters = splitCSV(v)
	}

	return p
}

// confLoadBool parses a two-valued (vFalse/vTrue) configuration key
func confLoadBool(value, vFalse, vTrue string) (bool, error) {
	switch strings.ToLower(value) {
	case vFalse:
		return false, nil
	case vTrue:
		return true, nil
	default:
		return false, fmt.Errorf("must be %s or %s", vFalse, vTrue)
	}
}

// confLoadLogLevel parses a comma-separated list of log level names
func confLoadLogLevel(value string) (logger.Level, error) {
	var mask logger.Level
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(strings.ToLower(s))
		switch s {
		case "":
		case "error":
			mask |= logger.Error
		case "info":
			mask |= logger.Info | logger.Error
		case "debug":
			mask |= logger.Debug | logger.Info | logger.Error
		case "trace-wire":
			mask |= logger.TraceWire | logger.Debug | logger.Info | logger.Error
		case "trace-usbip":
			mask |= logger.TraceUsbip | logger.Debug | logger.Info | logger.Error
		case "trace-transfer":
			mask |= logger.TraceTransfer | logger.Debug | logger.Info | logger.Error
		case "all", "trace-all":
			mask |= logger.All
		default:
			return 0, fmt.Errorf("invalid log level %q", s)
		}
	}
	return mask, nil
}

// splitCSV splits a comma-separated configuration value, trimming
// whitespace and discarding empty entries
func splitCSV(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
