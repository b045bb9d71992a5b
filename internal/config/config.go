package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HeltonPojo/Trabalho-de-Conclus-o-de-Curso/internal/types"
)

const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
)

var (
	// ErrMixedTransport is returned when instances disagree with the session protocol.
	ErrMixedTransport = errors.New("mixed transport protocols")
	// ErrUnsupportedProtocol is returned for anything other than udp or tcp.
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// Config is the complete configuration shared by the server and the nodes.
type Config struct {
	Protocol  string           `yaml:"protocol"`
	Server    ServerConfig     `yaml:"server"`
	ReID      ReIDConfig       `yaml:"reid"`
	Model     ModelConfig      `yaml:"model"`
	Instances []InstanceConfig `yaml:"instances"`
}

// ServerConfig holds the ingestion socket and shutdown settings.
type ServerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	BufferSize           int           `yaml:"buffer_size"`
	SocketTimeout        time.Duration `yaml:"socket_timeout"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	MaxWorkers           int           `yaml:"max_workers"`
	JoinTimeout          time.Duration `yaml:"join_timeout"`
	ResultsPath          string        `yaml:"results_path"`
	UDPPairTimeout       time.Duration `yaml:"udp_pair_timeout"`
}

// Addr returns host:port of the ingestion socket.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// ReIDConfig tunes the matching engine.
type ReIDConfig struct {
	SimilarityThreshold float64          `yaml:"similarity_threshold"`
	MaxGalleryPerPerson int              `yaml:"max_gallery_per_person"`
	Extractor           *ExtractorConfig `yaml:"extractor,omitempty"`
}

// ExtractorConfig describes the embedding model process.
type ExtractorConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
	Engines int           `yaml:"engines"` // parallel model processes
}

// ModelConfig describes the detector used by every node.
type ModelConfig struct {
	Backend    string        `yaml:"backend"` // worker, gocv
	Path       string        `yaml:"path"`
	Config     string        `yaml:"config"` // network config for the gocv backend (optional)
	Conf       *float64      `yaml:"conf"` // nil means the default; 0 keeps every box
	FrameFreq  int           `yaml:"frame_freq"`
	Classes    []int         `yaml:"classes"`
	Command    []string      `yaml:"command"`
	Timeout    time.Duration `yaml:"timeout"`
	InputSize  int           `yaml:"input_size"`
	QueueDepth int           `yaml:"queue_depth"`
}

// Confidence returns the detection threshold, 0.7 when unset.
func (m ModelConfig) Confidence() float64 {
	if m.Conf == nil {
		return 0.7
	}
	return *m.Conf
}

// InstanceConfig describes a single camera node.
type InstanceConfig struct {
	Name         string             `yaml:"name"`
	Video        string             `yaml:"video"`
	Source       string             `yaml:"source"` // gocv, ffmpeg
	Protocol     string             `yaml:"protocol,omitempty"`
	Transmission TransmissionConfig `yaml:"transmission"`
}

// TransmissionConfig is the address a node listens on for commands.
type TransmissionConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port of the node's command socket.
func (t TransmissionConfig) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default filled in and no instances.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with the stock defaults.
func (c *Config) ApplyDefaults() {
	if c.Protocol == "" {
		c.Protocol = ProtocolUDP
	}
	s := &c.Server
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 5000
	}
	if s.BufferSize == 0 {
		s.BufferSize = 65536
	}
	if s.SocketTimeout == 0 {
		s.SocketTimeout = 2 * time.Second
	}
	if s.MaxConsecutiveErrors == 0 {
		s.MaxConsecutiveErrors = 10
	}
	if s.MaxWorkers == 0 {
		s.MaxWorkers = 32
	}
	if s.JoinTimeout == 0 {
		s.JoinTimeout = 2 * time.Second
	}
	if s.ResultsPath == "" {
		s.ResultsPath = "reid_results.txt"
	}
	if s.UDPPairTimeout == 0 {
		s.UDPPairTimeout = 2 * time.Second
	}

	if c.ReID.SimilarityThreshold == 0 {
		c.ReID.SimilarityThreshold = 0.13
	}
	if c.ReID.MaxGalleryPerPerson == 0 {
		c.ReID.MaxGalleryPerPerson = 512
	}
	if e := c.ReID.Extractor; e != nil {
		if e.Timeout == 0 {
			e.Timeout = 10 * time.Second
		}
		if e.Engines == 0 {
			e.Engines = 1
		}
	}

	m := &c.Model
	if m.Backend == "" {
		m.Backend = "worker"
	}
	if m.Conf == nil {
		conf := 0.7
		m.Conf = &conf
	}
	if m.FrameFreq == 0 {
		m.FrameFreq = 15
	}
	if len(m.Classes) == 0 {
		m.Classes = []int{0}
	}
	if m.Timeout == 0 {
		m.Timeout = 30 * time.Second
	}
	if m.InputSize == 0 {
		m.InputSize = 640
	}
	if m.QueueDepth == 0 {
		m.QueueDepth = 64
	}

	for i := range c.Instances {
		in := &c.Instances[i]
		if in.Source == "" {
			in.Source = "gocv"
		}
		if in.Transmission.Host == "" {
			in.Transmission.Host = "127.0.0.1"
		}
	}
}

// Validate checks the fields both roles rely on.
func (c *Config) Validate() error {
	if c.Protocol != ProtocolUDP && c.Protocol != ProtocolTCP {
		return fmt.Errorf("%w: %q", ErrUnsupportedProtocol, c.Protocol)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("server.max_consecutive_errors must be >= 1")
	}
	if c.Server.MaxWorkers < 1 {
		return fmt.Errorf("server.max_workers must be >= 1")
	}
	if c.ReID.SimilarityThreshold <= 0 || c.ReID.SimilarityThreshold > 2 {
		return fmt.Errorf("reid.similarity_threshold must be in (0, 2], got %f", c.ReID.SimilarityThreshold)
	}
	if c.ReID.MaxGalleryPerPerson < 1 {
		return fmt.Errorf("reid.max_gallery_per_person must be >= 1, got %d", c.ReID.MaxGalleryPerPerson)
	}
	if e := c.ReID.Extractor; e != nil && len(e.Command) == 0 {
		return fmt.Errorf("reid.extractor.command is empty")
	}
	if c.Model.FrameFreq < 1 {
		return fmt.Errorf("model.frame_freq must be >= 1, got %d", c.Model.FrameFreq)
	}
	if conf := c.Model.Confidence(); conf < 0 || conf > 1 {
		return fmt.Errorf("model.conf must be in [0, 1], got %f", conf)
	}
	if c.Model.Backend != "worker" && c.Model.Backend != "gocv" {
		return fmt.Errorf("model.backend must be worker or gocv, got %q", c.Model.Backend)
	}

	seen := make(map[string]bool)
	for i, in := range c.Instances {
		if err := types.NodeIdentity(in.Name).Validate(); err != nil {
			return fmt.Errorf("instances[%d]: %w", i, err)
		}
		if seen[in.Name] {
			return fmt.Errorf("instances[%d]: duplicate name %q", i, in.Name)
		}
		seen[in.Name] = true
		if in.Protocol != "" && in.Protocol != c.Protocol {
			return fmt.Errorf("instances[%d] (%s) uses %q but the session uses %q: %w",
				i, in.Name, in.Protocol, c.Protocol, ErrMixedTransport)
		}
		if in.Transmission.Port < 1 || in.Transmission.Port > 65535 {
			return fmt.Errorf("instances[%d] (%s): transmission.port must be between 1 and 65535", i, in.Name)
		}
		if in.Source != "gocv" && in.Source != "ffmpeg" {
			return fmt.Errorf("instances[%d] (%s): source must be gocv or ffmpeg, got %q", i, in.Name, in.Source)
		}
	}
	return nil
}

// ValidateNode adds the checks only the node role needs.
func (c *Config) ValidateNode() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("no instances configured")
	}
	for i, in := range c.Instances {
		if in.Video == "" {
			return fmt.Errorf("instances[%d] (%s): video is required", i, in.Name)
		}
	}
	if c.Model.Backend == "worker" && len(c.Model.Command) == 0 {
		return fmt.Errorf("model.command is required for the worker backend")
	}
	if c.Model.Backend == "gocv" && c.Model.Path == "" {
		return fmt.Errorf("model.path is required for the gocv backend")
	}
	return nil
}

// ClientAddrs returns the command socket address of every configured instance.
func (c *Config) ClientAddrs() []string {
	addrs := make([]string, 0, len(c.Instances))
	for _, in := range c.Instances {
		addrs = append(addrs, in.Transmission.Addr())
	}
	return addrs
}
