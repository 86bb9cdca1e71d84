// Package config parses ans-server configuration from flags, an
// optional YAML/JSON file, and ANS_-prefixed environment variables,
// using a viper+pflag binding built fresh per call.
package config

import (
	"fmt"
	"strings"
	"time"

	"ans/internal/ans/apperr"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings is the fully-resolved ans-server configuration.
type Settings struct {
	DevMode bool

	BindAddress string
	BindPort    uint16

	CACertTTL             time.Duration
	OCSPResponderTTL      time.Duration
	OCSPClientTTL         time.Duration
	OCSPTransportTimeout  time.Duration
	OCSPEnabled           bool

	StorageDSN string

	ReservedNames       []string
	DomainBlocklist     []string
	AutoApproveProfiles []string

	LogLevel string
}

const envPrefix = "ANS"

// ParseWithFlagSet binds Settings' flags onto fs, parses args (whose
// first element is the subcommand name, e.g. "start" or "health"),
// layers in an optional --config file and ANS_-prefixed environment
// overrides through viper, and returns the resolved Settings.
func ParseWithFlagSet(fs *pflag.FlagSet, args []string) (*Settings, error) {
	if len(args) == 0 {
		return nil, apperr.New(apperr.InternalError, "config: missing subcommand argument")
	}

	fs.String("config", "", "path to a YAML or JSON configuration file")
	fs.Bool("dev", false, "enable development mode (relaxed defaults, verbose logging)")
	fs.String("bind-address", "0.0.0.0", "HTTP listen address")
	fs.Uint16("bind-port", 8443, "HTTP listen port")
	fs.Duration("ca-cert-ttl", 365*24*time.Hour, "certificate validity window issued by the CA")
	fs.Duration("ocsp-responder-ttl", time.Hour, "OCSP responder signed-response validity window")
	fs.Duration("ocsp-client-ttl", 10*time.Minute, "OCSP client cache ceiling for good responses")
	fs.Duration("ocsp-transport-timeout", 2*time.Second, "OCSP client transport timeout")
	fs.Bool("ocsp-enabled", true, "OCSP toggle; has no effect on verification (resolve always checks OCSP, falling back to chain verification)")
	fs.String("storage-dsn", "memory://", "storage backend DSN (memory://, postgres://..., sqlite://...)")
	fs.StringSlice("reserved-names", []string{"ans", "registry", "admin"}, "agent_id tokens forbidden at registration")
	fs.StringSlice("domain-blocklist", nil, "endpoint hostnames rejected at registration")
	fs.StringSlice("auto-approve-profiles", nil, "agent_category values that bypass manual RA approval")
	fs.String("log-level", "INFO", "minimum log level (DEBUG, INFO, WARN, ERROR)")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "config: parse flags", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, apperr.Wrap(apperr.InternalError, "config: bind flags", err)
	}

	if configPath, _ := fs.GetString("config"); configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, apperr.Wrap(apperr.InternalError, fmt.Sprintf("config: read %q", configPath), err)
		}
	}

	settings := &Settings{
		DevMode:              v.GetBool("dev"),
		BindAddress:          v.GetString("bind-address"),
		BindPort:             uint16(v.GetUint32("bind-port")),
		CACertTTL:            v.GetDuration("ca-cert-ttl"),
		OCSPResponderTTL:     v.GetDuration("ocsp-responder-ttl"),
		OCSPClientTTL:        v.GetDuration("ocsp-client-ttl"),
		OCSPTransportTimeout: v.GetDuration("ocsp-transport-timeout"),
		OCSPEnabled:          v.GetBool("ocsp-enabled"),
		StorageDSN:           v.GetString("storage-dsn"),
		ReservedNames:        v.GetStringSlice("reserved-names"),
		DomainBlocklist:      v.GetStringSlice("domain-blocklist"),
		AutoApproveProfiles:  v.GetStringSlice("auto-approve-profiles"),
		LogLevel:             v.GetString("log-level"),
	}

	return settings, nil
}

// Parse is the common entrypoint for cmd/ans-server: a fresh FlagSet
// avoids the "flag redefined" panics that sharing pflag.CommandLine
// across repeated invocations (and tests) would cause.
func Parse(args []string) (*Settings, error) {
	fs := pflag.NewFlagSet("ans-server", pflag.ContinueOnError)
	return ParseWithFlagSet(fs, args)
}
