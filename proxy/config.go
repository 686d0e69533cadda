package proxy

import (
	"fmt"
	"net/netip"
	"os"
	"reflect"

	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"

	"github.com/ilrudie/istio-ztunnel/ipaddr"
)

// ProxyMode selects how the proxy is deployed.
type ProxyMode string

const (
	// ProxyModeShared means one proxy serves every workload on the host.
	// Shared mode requires self-call detection, since the host's redirection
	// rules also apply to the proxy's own upstream connections.
	ProxyModeShared ProxyMode = "shared"

	// ProxyModeDedicated means the proxy serves a single workload.
	ProxyModeDedicated ProxyMode = "dedicated"
)

// Config is the publicly configurable state for the inbound passthrough
// proxy. It is the format of the local-file config mode; in normal use parts
// of it are overridden from the command line.
type Config struct {
	// BindAddress is the IP to bind the plaintext inbound listener to. It
	// may be a go-sockaddr template.
	BindAddress string `mapstructure:"bind_address"`

	// BindPort is the port for the plaintext inbound listener.
	BindPort int `mapstructure:"bind_port"`

	// Network is the overlay network this proxy's workloads live on.
	// Passthrough traffic is same-network by definition.
	Network string `mapstructure:"network"`

	// LocalIP is the proxy's own address, used for self-call detection in
	// shared mode. Left unset it is auto-detected at startup.
	LocalIP netip.Addr `mapstructure:"local_ip"`

	// Mode is the deployment mode, "shared" or "dedicated".
	Mode ProxyMode `mapstructure:"proxy_mode"`

	// EnableOriginalSource forces original-source preservation on or off.
	// Unset, it follows the socket factory's transparent capability.
	EnableOriginalSource *bool `mapstructure:"enable_original_source"`

	// DirectoryCacheSize bounds the LRU cache in front of directory
	// lookups. Zero disables caching.
	DirectoryCacheSize int `mapstructure:"directory_cache_size"`

	// LogLevel is the minimum level to log at.
	LogLevel string `mapstructure:"log_level"`

	// LogJSON emits logs in JSON format.
	LogJSON bool `mapstructure:"log_json"`

	// Workloads statically populates the directory for dev/testing, in
	// place of a control-plane sync.
	Workloads []WorkloadConfig `mapstructure:"workload"`

	// Policies statically configures the RBAC rule set.
	Policies []PolicyConfig `mapstructure:"policy"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		BindAddress: "0.0.0.0",
		BindPort:    15006,
		Mode:        ProxyModeDedicated,
		LogLevel:    "INFO",
	}
}

// ParseConfigFile reads an HCL or JSON proxy configuration from filename,
// applied on top of defaults.
func ParseConfigFile(filename string) (*Config, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return DecodeConfig(bs)
}

// DecodeConfig decodes HCL or JSON configuration bytes on top of defaults.
func DecodeConfig(bs []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := hcl.Unmarshal(bs, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	cfg := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			decodeAddrHook,
			decodeProxyModeHook,
		),
		ErrorUnused: true,
		Result:      cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Finalize resolves address templates and validates the config. Must be
// called once before the config is used.
func (c *Config) Finalize() error {
	bind, err := ipaddr.ParseSingleIP(c.BindAddress)
	if err != nil {
		return fmt.Errorf("invalid bind_address: %w", err)
	}
	c.BindAddress = bind

	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("invalid bind_port: %d", c.BindPort)
	}

	switch c.Mode {
	case ProxyModeShared, ProxyModeDedicated:
	default:
		return fmt.Errorf("invalid proxy_mode: %q", c.Mode)
	}

	if c.Mode == ProxyModeShared {
		// Self-call detection compares destinations against local_ip, so an
		// ANY address would never match anything real.
		if c.LocalIP.IsValid() && ipaddr.IsAny(c.LocalIP.String()) {
			return fmt.Errorf("local_ip cannot be the ANY address: %s", c.LocalIP)
		}
		if !c.LocalIP.IsValid() {
			ip, err := ipaddr.DetectPrivateIPv4()
			if err != nil {
				return fmt.Errorf("shared mode requires local_ip and none could be detected: %w", err)
			}
			c.LocalIP = ip
		}
	}
	return nil
}

// ListenAddr returns the address:port string for the inbound listener.
func (c *Config) ListenAddr() string {
	return ipaddr.FormatAddressPort(c.BindAddress, c.BindPort)
}

func decodeAddrHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(netip.Addr{}) {
		return data, nil
	}
	return netip.ParseAddr(data.(string))
}

func decodeProxyModeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(ProxyMode("")) {
		return data, nil
	}
	mode := ProxyMode(data.(string))
	switch mode {
	case ProxyModeShared, ProxyModeDedicated:
		return mode, nil
	default:
		return nil, fmt.Errorf("invalid proxy_mode: %q", data)
	}
}
