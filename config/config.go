// Package config loads settings from the environment. Every setting can be
// overridden by a command line flag bound in main.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shinebayar-g/opnsense-docker-automated/desired"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultHealthAddr     = ":8080"
)

type Config struct {
	OPNsenseHost      string
	OPNsenseAPIKey    string
	OPNsenseAPISecret string
	WANInterface      string
	LocalIPAddress    string
	LocalDomainSuffix string

	CAFile         string
	ClientCertFile string
	ClientKeyFile  string
	Insecure       bool

	RulePrefix    string
	HostnameLabel string
	ManagedLabel  string

	Interval       time.Duration
	RequestTimeout time.Duration
	HealthAddr     string
}

// Load reads the environment through lookupEnv, usually os.LookupEnv. It returns
// the configuration even when some values could not be parsed, together with
// the parse errors.
func Load(lookupEnv func(string) (string, bool)) (Config, error) {
	getenv := func(key string) string {
		v, _ := lookupEnv(key)
		return v
	}
	cfg := Config{
		OPNsenseHost:      getenv("OPNSENSE_HOSTNAME"),
		OPNsenseAPIKey:    getenv("OPNSENSE_API_KEY"),
		OPNsenseAPISecret: getenv("OPNSENSE_API_SECRET"),
		WANInterface:      getenv("OPNSENSE_WAN_INTERFACE"),
		LocalIPAddress:    getenv("LOCAL_IP_ADDRESS"),
		LocalDomainSuffix: withDefault(getenv("LOCAL_DOMAIN_SUFFIX"), desired.DefaultDomainSuffix),
		CAFile:            getenv("CERT_PATH"),
		ClientCertFile:    getenv("CLIENT_CERT_PATH"),
		ClientKeyFile:     getenv("KEY_PATH"),
		RulePrefix:        withDefault(getenv("PORT_FORWARD_LABEL_PREFIX"), desired.DefaultRulePrefix),
		HostnameLabel:     withDefault(getenv("HOSTNAME_LABEL"), desired.DefaultHostnameLabel),
		ManagedLabel:      getenv("MANAGED_LABEL"),
		HealthAddr:        DefaultHealthAddr,
	}
	if addr, ok := lookupEnv("HEALTH_ADDR"); ok {
		cfg.HealthAddr = addr
	}

	var errs []error
	var err error
	if cfg.Interval, err = seconds(getenv, "CONTAINER_POLLING_INTERVAL", DefaultInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.RequestTimeout, err = seconds(getenv, "REQUEST_TIMEOUT", DefaultRequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if v := getenv("OPNSENSE_INSECURE"); v != "" {
		if cfg.Insecure, err = strconv.ParseBool(v); err != nil {
			errs = append(errs, fmt.Errorf("OPNSENSE_INSECURE must be a boolean: %w", err))
		}
	}
	return cfg, errors.Join(errs...)
}

// Validate reports every missing or invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"OPNSENSE_HOSTNAME", c.OPNsenseHost},
		{"OPNSENSE_API_KEY", c.OPNsenseAPIKey},
		{"OPNSENSE_API_SECRET", c.OPNsenseAPISecret},
		{"OPNSENSE_WAN_INTERFACE", c.WANInterface},
		{"LOCAL_IP_ADDRESS", c.LocalIPAddress},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s must be set", r.name))
		}
	}
	if c.LocalIPAddress != "" && net.ParseIP(c.LocalIPAddress) == nil {
		errs = append(errs, fmt.Errorf("LOCAL_IP_ADDRESS %q is not a valid IP address", c.LocalIPAddress))
	}
	if c.LocalDomainSuffix == "" {
		errs = append(errs, errors.New("LOCAL_DOMAIN_SUFFIX must not be empty"))
	}
	if !strings.HasSuffix(c.RulePrefix, ".") {
		errs = append(errs, fmt.Errorf("PORT_FORWARD_LABEL_PREFIX %q must end with a dot", c.RulePrefix))
	}
	if c.HostnameLabel == "" {
		errs = append(errs, errors.New("HOSTNAME_LABEL must not be empty"))
	}
	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		errs = append(errs, errors.New("CLIENT_CERT_PATH and KEY_PATH must be set together"))
	}
	if c.Interval <= 0 {
		errs = append(errs, errors.New("CONTAINER_POLLING_INTERVAL must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// DesiredSettings returns the static inputs of desired-state extraction.
func (c Config) DesiredSettings() desired.Settings {
	return desired.Settings{
		WANInterface:      c.WANInterface,
		LocalIPAddress:    c.LocalIPAddress,
		LocalDomainSuffix: c.LocalDomainSuffix,
		RulePrefix:        c.RulePrefix,
		HostnameLabel:     c.HostnameLabel,
	}
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func seconds(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
