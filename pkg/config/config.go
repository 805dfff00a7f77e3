package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MaxConfigurableConnections is MAX_CONFIGURABLE_CONNECTIONS: the hard
// ceiling MAX_CONNECTIONS is clamped to (spec.md §6).
const MaxConfigurableConnections = 10240

// DefaultMaxConnections is used when MAX_CONNECTIONS is absent or
// out-of-range.
const DefaultMaxConnections = 40

// DefaultRemoteFileCheckIntervalSeconds is the default for
// REMOTE_FILE_CHECK_INTERVAL (spec.md §6: "floor 1s").
const DefaultRemoteFileCheckIntervalSeconds = 60

// Config is the runtime configuration loaded from the `KEY value` file and
// refreshed on SIGHUP-equivalent reload. Grounded on the shape of
// pkg/manager.Config (a flat struct of tunables), generalized into a
// file-backed loader since this format has no ecosystem parser.
type Config struct {
	MaxConnections           int
	RemoteFileCheckInterval  int // seconds
	DefaultAgeLimit          int
	DefaultAgeing            int
	CreateTargetDir          bool
	CreateSourceDirMode      int // octal
	CreateTargetDirMode      int // octal
	CreateRemoteSourceDir    bool
	SFForceDisconnect        int // seconds
	GFForceDisconnect        int // seconds
	SimulateSendMode         bool
	DefaultHTTPProxy         string
	DefaultSMTPServer        string
	DefaultCharset           string
	DefaultSMTPFrom          string
	DefaultSMTPReplyTo       string
	DefaultGroupMailDomain   string
	DefaultDEMailSender      string
	DeleteStaleErrorJobs     bool
	FDPriority               int
	AddAFDPriority           bool
	MaxNiceValue             int
	MinNiceValue             int
}

// Default returns the configuration used when no file is present or a key
// is absent, matching the defaults spec.md §6 calls out per key.
func Default() *Config {
	return &Config{
		MaxConnections:          DefaultMaxConnections,
		RemoteFileCheckInterval: DefaultRemoteFileCheckIntervalSeconds,
		CreateSourceDirMode:     0770,
		CreateTargetDirMode:     0770,
		MaxNiceValue:            19,
		MinNiceValue:            0,
	}
}

// expandHostTokens replaces %h (short hostname) and %H (FQDN) in s, the
// substitution spec.md §6 requires for the DEFAULT_* string keys.
func expandHostTokens(s, short, long string) string {
	s = strings.ReplaceAll(s, "%H", long)
	s = strings.ReplaceAll(s, "%h", short)
	return s
}

// Load parses path into a Config, starting from Default() so any key the
// file omits keeps its default value. Two loads of the same file always
// produce an identical Config (spec.md §8: "config reload is idempotent").
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	short := hostname
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		short = hostname[:i]
	}

	cfg := Default()
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if err := applyLine(cfg, scanner.Text(), short, hostname); err != nil {
			return nil, fmt.Errorf("config: %s:%d: %w", path, line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	clamp(cfg)
	return cfg, nil
}

func applyLine(cfg *Config, raw, shortHost, longHost string) error {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return fmt.Errorf("malformed line %q", raw)
	}
	key := strings.TrimSpace(fields[0])
	value := strings.TrimSpace(fields[1])

	switch key {
	case "MAX_CONNECTIONS":
		return setInt(&cfg.MaxConnections, value)
	case "REMOTE_FILE_CHECK_INTERVAL":
		return setInt(&cfg.RemoteFileCheckInterval, value)
	case "DEFAULT_AGE_LIMIT":
		return setInt(&cfg.DefaultAgeLimit, value)
	case "DEFAULT_AGEING":
		return setInt(&cfg.DefaultAgeing, value)
	case "CREATE_TARGET_DIR":
		return setBool(&cfg.CreateTargetDir, value)
	case "CREATE_SOURCE_DIR_MODE":
		return setOctal(&cfg.CreateSourceDirMode, value)
	case "CREATE_TARGET_DIR_MODE":
		return setOctal(&cfg.CreateTargetDirMode, value)
	case "CREATE_REMOTE_SOURCE_DIR":
		return setBool(&cfg.CreateRemoteSourceDir, value)
	case "SF_FORCE_DISCONNECT":
		return setInt(&cfg.SFForceDisconnect, value)
	case "GF_FORCE_DISCONNECT":
		return setInt(&cfg.GFForceDisconnect, value)
	case "SIMULATE_SEND_MODE":
		return setBool(&cfg.SimulateSendMode, value)
	case "DEFAULT_HTTP_PROXY":
		cfg.DefaultHTTPProxy = expandHostTokens(value, shortHost, longHost)
	case "DEFAULT_SMTP_SERVER":
		cfg.DefaultSMTPServer = expandHostTokens(value, shortHost, longHost)
	case "DEFAULT_CHARSET":
		cfg.DefaultCharset = expandHostTokens(value, shortHost, longHost)
	case "DEFAULT_SMTP_FROM":
		cfg.DefaultSMTPFrom = expandHostTokens(value, shortHost, longHost)
	case "DEFAULT_SMTP_REPLY_TO":
		cfg.DefaultSMTPReplyTo = expandHostTokens(value, shortHost, longHost)
	case "DEFAULT_GROUP_MAIL_DOMAIN":
		cfg.DefaultGroupMailDomain = expandHostTokens(value, shortHost, longHost)
	case "DEFAULT_DE_MAIL_SENDER":
		cfg.DefaultDEMailSender = expandHostTokens(value, shortHost, longHost)
	case "DELETE_STALE_ERROR_JOBS":
		return setBool(&cfg.DeleteStaleErrorJobs, value)
	case "FD_PRIORITY":
		return setInt(&cfg.FDPriority, value)
	case "ADD_AFD_PRIORITY":
		return setBool(&cfg.AddAFDPriority, value)
	case "MAX_NICE_VALUE":
		return setInt(&cfg.MaxNiceValue, value)
	case "MIN_NICE_VALUE":
		return setInt(&cfg.MinNiceValue, value)
	default:
		// Unknown keys are ignored rather than rejected: a newer config
		// file read by an older binary should still start.
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("expected integer, got %q: %w", value, err)
	}
	*dst = n
	return nil
}

func setOctal(dst *int, value string) error {
	n, err := strconv.ParseInt(value, 8, 32)
	if err != nil {
		return fmt.Errorf("expected octal mode, got %q: %w", value, err)
	}
	*dst = int(n)
	return nil
}

func setBool(dst *bool, value string) error {
	switch strings.ToUpper(value) {
	case "YES":
		*dst = true
	case "NO":
		*dst = false
	default:
		return fmt.Errorf("expected YES/NO, got %q", value)
	}
	return nil
}

// clamp enforces the range constraints spec.md §6 calls out rather than
// rejecting the file: an out-of-range MAX_CONNECTIONS falls back to its
// default, and a REMOTE_FILE_CHECK_INTERVAL below 1 is raised to 1.
func clamp(cfg *Config) {
	if cfg.MaxConnections < 1 || cfg.MaxConnections > MaxConfigurableConnections {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.RemoteFileCheckInterval < 1 {
		cfg.RemoteFileCheckInterval = 1
	}
}
