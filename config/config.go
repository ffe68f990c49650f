// Package config holds the persisted configuration of ChatBridge clients and
// servers.
//
// Files may be written in JSON (the historic format) or YAML; both are read
// with the YAML decoder since JSON documents are valid YAML.
package config

import (
	"crypto/subtle"
	"encoding/json"
	gonet "net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"badc0de.net/pkg/go-chatbridge/protocol"
)

// ErrConfigCreated is returned by Load when the file did not exist and a
// default one was written in its place.
var ErrConfigCreated = errors.New("configuration file not found, default written")

// Address is where a client dials.
type Address struct {
	Hostname string
	Port     int
}

func (a Address) String() string {
	return gonet.JoinHostPort(a.Hostname, strconv.Itoa(a.Port))
}

// ClientInfo is the identity of one client.
//
// The server compares Password in plain text. Alternatively PasswordHash may
// hold a bcrypt hash, in which case Password is ignored for verification.
type ClientInfo struct {
	Name         string `yaml:"name" json:"name"`
	Password     string `yaml:"password" json:"password"`
	PasswordHash string `yaml:"password_hash,omitempty" json:"password_hash,omitempty"`
}

// Equal reports whether both infos have the same name and password.
func (i ClientInfo) Equal(o ClientInfo) bool {
	return i.Name == o.Name && i.Password == o.Password
}

// Verify checks a password presented during login.
func (i ClientInfo) Verify(password string) bool {
	if i.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(i.PasswordHash), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(i.Password), []byte(password)) == 1
}

// HashPassword returns a bcrypt hash usable as ClientInfo.PasswordHash.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hashing password")
	}
	return string(h), nil
}

// ClientConfig is the configuration file of a client process.
type ClientConfig struct {
	AESKey         string `yaml:"aes_key" json:"aes_key"`
	Name           string `yaml:"name" json:"name"`
	Password       string `yaml:"password" json:"password"`
	ServerHostname string `yaml:"server_hostname" json:"server_hostname"`
	ServerPort     int    `yaml:"server_port" json:"server_port"`
}

// DefaultClientConfig returns the example configuration written for new
// clients.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		AESKey:         "ThisIstheSecret",
		Name:           "MyClientName",
		Password:       "MyClientPassword",
		ServerHostname: "127.0.0.1",
		ServerPort:     30001,
	}
}

func (c *ClientConfig) ClientInfo() ClientInfo {
	return ClientInfo{Name: c.Name, Password: c.Password}
}

func (c *ClientConfig) ServerAddress() Address {
	return Address{Hostname: c.ServerHostname, Port: c.ServerPort}
}

// Validate checks the configuration for values the client cannot work with.
func (c *ClientConfig) Validate() error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	return validatePort(c.ServerPort)
}

// ServerConfig is the configuration file of the server process.
type ServerConfig struct {
	AESKey   string       `yaml:"aes_key" json:"aes_key"`
	Hostname string       `yaml:"hostname" json:"hostname"`
	Port     int          `yaml:"port" json:"port"`
	Clients  []ClientInfo `yaml:"clients" json:"clients"`

	// LoginFailureFeedback makes the server tell a client that its login
	// was rejected instead of just closing the socket.
	LoginFailureFeedback bool `yaml:"login_failure_feedback,omitempty" json:"login_failure_feedback,omitempty"`
}

// DefaultServerConfig returns the example configuration written for new
// servers.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		AESKey:   "ThisIstheSecret",
		Hostname: "localhost",
		Port:     30001,
		Clients: []ClientInfo{
			{Name: "MyClientName", Password: "MyClientPassword"},
		},
	}
}

func (c *ServerConfig) Address() Address {
	return Address{Hostname: c.Hostname, Port: c.Port}
}

// Validate checks client names for emptiness and uniqueness.
func (c *ServerConfig) Validate() error {
	if err := validatePort(c.Port); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Clients))
	for _, info := range c.Clients {
		if err := validateName(info.Name); err != nil {
			return err
		}
		if seen[info.Name] {
			return errors.Errorf("duplicate client name %q", info.Name)
		}
		seen[info.Name] = true
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("client name must not be empty")
	}
	if name == protocol.ServerName {
		return errors.Errorf("client name %q is reserved for the server", name)
	}
	return nil
}

func validatePort(port int) error {
	if port <= 0 || port > 65535 {
		return errors.Errorf("port %d out of range", port)
	}
	return nil
}

// Validator is implemented by ClientConfig and ServerConfig.
type Validator interface {
	Validate() error
}

// Load reads the configuration at path into v, which should already hold
// the defaults. If the file does not exist it is created from v and
// ErrConfigCreated is returned so the operator can edit it first.
func Load(path string, v Validator) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := Save(path, v); err != nil {
			return err
		}
		glog.Infof("default configuration written to %s", path)
		return errors.Wrap(ErrConfigCreated, path)
	}
	if err != nil {
		return errors.Wrapf(err, "reading %s", path)
	}

	if err := yaml.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	return errors.Wrapf(v.Validate(), "validating %s", path)
}

// Save writes v to path, as JSON when path ends in .json and YAML otherwise.
func Save(path string, v interface{}) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(v, "", "    ")
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o600), "writing %s", path)
}
