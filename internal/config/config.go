package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPAddr = "11000"
	DefaultRaftAddr = "localhost:12000"
	DefaultGrpcAddr = "localhost:13000"

	DefaultNamespace      = "default"
	DefaultSessionTick    = 200 * time.Millisecond
	DefaultSessionTimeout = 10 * time.Second
	DefaultLogLevel       = "info"
)

// Server is the configuration of a coordination service node.
type Server struct {
	NodeID   string `yaml:"node_id"`
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`

	HTTPAddr   string `yaml:"http_addr"`
	RaftAddr   string `yaml:"raft_addr"`
	GrpcAddr   string `yaml:"grpc_addr"`
	JoinAddr   string `yaml:"join_addr"`
	ClusterTag string `yaml:"cluster_tag"`

	ServiceName string `yaml:"service_name"`
	Namespace   string `yaml:"namespace"`

	SessionTick time.Duration `yaml:"session_tick"`

	LogLevel string `yaml:"log_level"`
}

func DefaultServer() *Server {
	return &Server{
		HTTPAddr:    DefaultHTTPAddr,
		RaftAddr:    DefaultRaftAddr,
		GrpcAddr:    DefaultGrpcAddr,
		Namespace:   DefaultNamespace,
		SessionTick: DefaultSessionTick,
		LogLevel:    DefaultLogLevel,
	}
}

func (c *Server) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.NodeID, "id", c.NodeID, "Node ID. If not set, same as Raft bind address")
	fs.StringVar(&c.DataDir, "data-dir", c.DataDir, "Directory for the raft log and the tree")
	fs.BoolVar(&c.InMemory, "inmemory", c.InMemory, "Use in-memory storage for Raft")
	fs.StringVar(&c.HTTPAddr, "haddr", c.HTTPAddr, "Set the HTTP bind port")
	fs.StringVar(&c.RaftAddr, "raddr", c.RaftAddr, "Set Raft bind address")
	fs.StringVar(&c.GrpcAddr, "gaddr", c.GrpcAddr, "Set gRPC bind address")
	fs.StringVar(&c.JoinAddr, "join", c.JoinAddr, "Set join address, if any")
	fs.StringVar(&c.ClusterTag, "cluster-tag", c.ClusterTag, "Two byte tag raft connections must start with")
	fs.StringVar(&c.ServiceName, "service-name", c.ServiceName, "Name of the service in Kubernetes")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "Kubernetes namespace of the service")
	fs.DurationVar(&c.SessionTick, "session-tick", c.SessionTick, "How often the leader expires sessions")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
}

func (c *Server) validate() error {
	if c.DataDir == "" && !c.InMemory {
		return errors.New("no Raft storage directory specified")
	}
	if c.HTTPAddr == "" {
		return errors.New("no HTTP address specified")
	}
	if c.SessionTick <= 0 {
		return fmt.Errorf("session tick must be positive, got %s", c.SessionTick)
	}
	if c.ClusterTag != "" && len(c.ClusterTag) != 2 {
		return fmt.Errorf("cluster tag must be two bytes, got %q", c.ClusterTag)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Level is the parsed log level.
func (c *Server) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// LoadServer parses args into a Server. Values come from the defaults, then
// from the file named by -config, then from the flags set on the command
// line. A positional argument is the data directory.
func LoadServer(fs *flag.FlagSet, args []string) (*Server, error) {
	cfg := DefaultServer()

	var path string
	fs.StringVar(&path, "config", "", "Path to a YAML config file")
	cfg.bind(fs)

	if err := load(fs, args, &path, cfg); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		cfg.DataDir = fs.Arg(0)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = cfg.RaftAddr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CLI is the configuration of slotctl.
type CLI struct {
	ConnString     string        `yaml:"conn_string"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	Identifier     string        `yaml:"identifier"`
	LogLevel       string        `yaml:"log_level"`
}

func DefaultCLI() *CLI {
	return &CLI{
		SessionTimeout: DefaultSessionTimeout,
		LogLevel:       "warn",
	}
}

func (c *CLI) bind(fs *flag.FlagSet) {
	fs.StringVar(&c.ConnString, "conn", c.ConnString, "Connection string: zk://h:2181,... or coordd://h:11000,...")
	fs.DurationVar(&c.SessionTimeout, "session-timeout", c.SessionTimeout, "Session timeout")
	fs.StringVar(&c.Identifier, "identifier", c.Identifier, "Identifier recorded in leases, defaults to the hostname")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level")
}

func (c *CLI) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.WarnLevel
	}
	return level
}

// LoadCLI parses the global flags of slotctl, leaving the subcommand and its
// arguments in fs.Args().
func LoadCLI(fs *flag.FlagSet, args []string) (*CLI, error) {
	cfg := DefaultCLI()

	var path string
	fs.StringVar(&path, "config", os.Getenv("SLOTCTL_CONFIG"), "Path to a YAML config file")
	cfg.bind(fs)

	if err := load(fs, args, &path, cfg); err != nil {
		return nil, err
	}

	if cfg.ConnString == "" {
		return nil, errors.New("no connection string specified")
	}
	if cfg.SessionTimeout <= 0 {
		return nil, fmt.Errorf("session timeout must be positive, got %s", cfg.SessionTimeout)
	}
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// load parses args and reads the config file into cfg. Flags given on the
// command line win over the file.
func load(fs *flag.FlagSet, args []string, path *string, cfg any) error {
	if err := fs.Parse(args); err != nil {
		return err
	}

	file := *path
	if file == "" {
		return nil
	}

	set := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = f.Value.String()
	})

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", file, err)
	}

	for name, value := range set {
		if err := fs.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}
