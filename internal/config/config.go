// Package config parses the proxy's command-line flags, optionally
// layered over defaults read from a YAML file.
package config

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/snawoot/rsp-go/internal/trust"
	"gopkg.in/yaml.v3"
)

// Config holds every setting needed to run one proxy instance, built from
// CLI flags with an optional YAML file supplying defaults underneath them.
type Config struct {
	BindAddress string
	BindPort    int
	Transparent bool

	DstAddress string
	DstPort    int

	PoolSize    int
	Backoff     time.Duration
	Timeout     time.Duration
	ConnectRate float64

	Login         string
	Identities    []string
	Password      string
	UseAgent      bool
	ClientVersion string

	HostsFile string

	Verbosity string
	LogFile   string
}

// FileDefaults is the subset of Config that may be supplied via an
// optional YAML file, read before flags are parsed so that flags always
// win. This is an enrichment over the upstream edition, which has no file
// layer at all.
type FileDefaults struct {
	BindAddress string   `yaml:"bind_address"`
	BindPort    int      `yaml:"bind_port"`
	Transparent bool     `yaml:"transparent"`
	PoolSize    int      `yaml:"pool_size"`
	Backoff     float64  `yaml:"backoff"`
	Timeout     float64  `yaml:"timeout"`
	ConnectRate float64  `yaml:"connect_rate"`
	Login       string   `yaml:"login"`
	Identities  []string `yaml:"identities"`
	HostsFile   string   `yaml:"hosts_file"`
	Verbosity   string   `yaml:"verbosity"`
	LogFile     string   `yaml:"logfile"`
}

// DefaultFileConfigPath returns "~/.rsp/config.yaml".
func DefaultFileConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".rsp", "config.yaml")
}

// loadFileDefaults reads an optional YAML defaults file. A missing file is
// not an error: it simply contributes no defaults.
func loadFileDefaults(path string) (*FileDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileDefaults{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fd FileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &fd, nil
}

// identityList implements flag.Value to collect repeated -I/--identity
// flags into a slice, in the order given.
type identityList struct {
	values *[]string
}

func (l identityList) String() string {
	if l.values == nil {
		return ""
	}
	return fmt.Sprint(*l.values)
}

func (l identityList) Set(v string) error {
	*l.values = append(*l.values, v)
	return nil
}

// Parse builds a Config from args (normally os.Args[1:]), layering flags
// over defaults read from configFilePath (empty disables the file layer).
func Parse(args []string, configFilePath string) (*Config, error) {
	fileDefaults := &FileDefaults{}
	if configFilePath != "" {
		fd, err := loadFileDefaults(configFilePath)
		if err != nil {
			return nil, err
		}
		fileDefaults = fd
	}

	defaultLogin := fileDefaults.Login
	if defaultLogin == "" {
		if u, err := user.Current(); err == nil {
			defaultLogin = u.Username
		}
	}

	defaultHostsFile := fileDefaults.HostsFile
	if defaultHostsFile == "" {
		defaultHostsFile = trust.DefaultHostsFile()
	}

	defaultBackoff := fileDefaults.Backoff
	if defaultBackoff == 0 {
		defaultBackoff = 5
	}
	defaultTimeout := fileDefaults.Timeout
	if defaultTimeout == 0 {
		defaultTimeout = 4
	}
	defaultPoolSize := fileDefaults.PoolSize
	if defaultPoolSize == 0 {
		defaultPoolSize = 30
	}
	defaultRate := fileDefaults.ConnectRate
	if defaultRate == 0 {
		defaultRate = 1
	}
	defaultVerbosity := fileDefaults.Verbosity
	if defaultVerbosity == "" {
		defaultVerbosity = "info"
	}
	defaultBindAddress := fileDefaults.BindAddress
	if defaultBindAddress == "" {
		defaultBindAddress = "127.0.0.1"
	}
	defaultBindPort := fileDefaults.BindPort
	if defaultBindPort == 0 {
		defaultBindPort = 1080
	}

	cfg := &Config{Identities: append([]string(nil), fileDefaults.Identities...)}

	fs := flag.NewFlagSet("rsp", flag.ContinueOnError)
	fs.StringVar(&cfg.BindAddress, "a", defaultBindAddress, "bind address")
	fs.StringVar(&cfg.BindAddress, "bind-address", defaultBindAddress, "bind address")
	fs.IntVar(&cfg.BindPort, "p", defaultBindPort, "bind port")
	fs.IntVar(&cfg.BindPort, "bind-port", defaultBindPort, "bind port")
	fs.BoolVar(&cfg.Transparent, "T", fileDefaults.Transparent, "run as a transparent proxy instead of SOCKS5")
	fs.BoolVar(&cfg.Transparent, "transparent", fileDefaults.Transparent, "run as a transparent proxy instead of SOCKS5")
	fs.IntVar(&cfg.PoolSize, "n", defaultPoolSize, "SSH connection pool size")
	fs.IntVar(&cfg.PoolSize, "pool-size", defaultPoolSize, "SSH connection pool size")
	var backoffSeconds, rate float64
	fs.Float64Var(&backoffSeconds, "B", defaultBackoff, "seconds to wait after a failed connect attempt before retrying")
	fs.Float64Var(&rate, "r", defaultRate, "maximum new upstream connections per second")
	fs.StringVar(&cfg.Login, "L", defaultLogin, "login name for the upstream SSH server")
	fs.StringVar(&cfg.Login, "login", defaultLogin, "login name for the upstream SSH server")
	fs.Var(identityList{&cfg.Identities}, "I", "SSH private key file (repeatable)")
	fs.Var(identityList{&cfg.Identities}, "identity", "SSH private key file (repeatable)")
	fs.StringVar(&cfg.Password, "P", "", "password for the upstream SSH server")
	fs.StringVar(&cfg.Password, "password", "", "password for the upstream SSH server")
	fs.BoolVar(&cfg.UseAgent, "A", false, "authenticate via SSH_AUTH_SOCK agent")
	fs.BoolVar(&cfg.UseAgent, "agent", false, "authenticate via SSH_AUTH_SOCK agent")
	fs.StringVar(&cfg.HostsFile, "H", defaultHostsFile, "known_hosts file location")
	fs.StringVar(&cfg.HostsFile, "hosts-file", defaultHostsFile, "known_hosts file location")
	fs.StringVar(&cfg.ClientVersion, "client-version", "", "SSH client version string to present to the upstream server")
	fs.StringVar(&cfg.Verbosity, "v", defaultVerbosity, "log verbosity: debug, info, warn, error")
	fs.StringVar(&cfg.Verbosity, "verbosity", defaultVerbosity, "log verbosity: debug, info, warn, error")
	fs.StringVar(&cfg.LogFile, "l", fileDefaults.LogFile, "log file path (default stderr)")
	fs.StringVar(&cfg.LogFile, "logfile", fileDefaults.LogFile, "log file path (default stderr)")

	var timeoutSeconds float64
	fs.Float64Var(&timeoutSeconds, "w", defaultTimeout, "upstream connect timeout in seconds")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.Timeout = time.Duration(timeoutSeconds * float64(time.Second))
	cfg.Backoff = time.Duration(backoffSeconds * float64(time.Second))
	cfg.ConnectRate = rate

	positional := fs.Args()
	if len(positional) < 1 {
		return nil, fmt.Errorf("missing required argument: dst_address")
	}
	cfg.DstAddress = positional[0]
	cfg.DstPort = 22
	if len(positional) >= 2 {
		port, err := strconv.Atoi(positional[1])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid dst_port: %q", positional[1])
		}
		cfg.DstPort = port
	}

	return cfg, nil
}
