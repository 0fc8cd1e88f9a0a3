// Package config defines the YAML configuration for the three drift roles
// and the loader that applies defaults and validation. Command-line flags
// override anything read from a file.
package config

// Defaults shared by every role.
const (
	DefaultDNSPort  = 8000
	DefaultURI      = "backend.com"
	DefaultMinUsers = 0
)

// NameServerConfig configures the location registry process.
type NameServerConfig struct {
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// ChatServerConfig configures a main chat server.
type ChatServerConfig struct {
	DNSHost string `yaml:"dns_host"`
	DNSPort int    `yaml:"dns_port"`
	URI     string `yaml:"uri"`

	MinUserCount int    `yaml:"min_user_count"`
	ServerIP     string `yaml:"server_ip,omitempty"`
	ServerPort   int    `yaml:"server_port,omitempty"`

	// MigrateInterval is a duration string ("30s", "5m"); empty keeps the
	// built-in default.
	MigrateInterval string `yaml:"migrate_interval,omitempty"`
	MetricsAddr     string `yaml:"metrics_addr,omitempty"`
}

// ClientConfig configures the terminal chat client.
type ClientConfig struct {
	DNSHost string `yaml:"dns_host"`
	DNSPort int    `yaml:"dns_port"`
	URI     string `yaml:"uri"`

	Username  string `yaml:"username,omitempty"`
	PublicURI string `yaml:"public_uri,omitempty"`
}

// DefaultNameServer returns a name server config with defaults applied.
func DefaultNameServer() NameServerConfig {
	return NameServerConfig{Port: DefaultDNSPort}
}

// DefaultChatServer returns a chat server config with defaults applied.
func DefaultChatServer() ChatServerConfig {
	return ChatServerConfig{
		DNSPort:      DefaultDNSPort,
		URI:          DefaultURI,
		MinUserCount: DefaultMinUsers,
	}
}

// DefaultClient returns a client config with defaults applied.
func DefaultClient() ClientConfig {
	return ClientConfig{DNSPort: DefaultDNSPort, URI: DefaultURI}
}
