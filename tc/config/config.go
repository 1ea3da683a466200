package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/slice"
	"github.com/ikenchina/sagastream/define"
)

const (
	envNodeGroup    = "SAGASTREAM_NODE_GROUP"
	envServerId     = "SAGASTREAM_SERVER_ID"
	envStreamDsn    = "SAGASTREAM_STREAM_DSN"
	envDataCenterId = "SAGASTREAM_TC_DATACENTER_ID"
	envNodeId       = "SAGASTREAM_TC_NODE_ID"
)

type StreamConfig struct {
	Driver             string
	Dsn                string
	MaxConnections     int
	MaxIdleConnections int
	Timeout            time.Duration
	ClaimTimeout       time.Duration
	PollRate           int
	BatchSize          int
	MaxLen             int
	AutoMigrate        bool
	// Retention keeps the state and undo of terminated transactions.
	Retention time.Duration
}

type NodeConfig struct {
	NodeId       int
	DataCenterId int
	// Group is the node group of this node, it keys undo payloads and
	// names the consumer group.
	Group    string
	ServerId string
}

type ListenerConfig struct {
	BackpressureSize    int
	Concurrency         int
	ResubscribeInterval time.Duration
	ResubscribeBurst    int
}

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type ManagerConfig struct {
	CacheSize int
	Breaker   BreakerConfig
}

type OrchestrateConfig struct {
	// Codec is "json" or "proto".
	Codec           string
	ResultRetention time.Duration
	// RunTimeout bounds a synchronous orchestrate request.
	RunTimeout time.Duration
}

type Config struct {
	Node        NodeConfig
	HttpListen  string
	GrpcListen  string
	Stream      StreamConfig
	Listener    ListenerConfig
	Manager     ManagerConfig
	Orchestrate OrchestrateConfig
	Log         zap.Config
}

var (
	cfg Config
)

func Get() *Config {
	return &cfg
}

func InitConfig(configPath string) error {
	dd, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	c, err := Parse(dd, filepath.Ext(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error : %s\n", err.Error())
		return err
	}
	cfg = *c

	err = InitLog(&cfg.Log)
	if err != nil {
		return err
	}
	return nil
}

// Parse decodes a YAML (.yaml, .yml) or JSON configuration, then applies
// environment overrides and defaults.
func Parse(data []byte, ext string) (*Config, error) {
	c := &Config{}
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return nil, err
	}

	if err = c.loadEnv(); err != nil {
		return nil, err
	}
	c.setDefaults()
	return c, c.validate()
}

func (c *Config) loadEnv() error {
	if g := os.Getenv(envNodeGroup); len(g) > 0 {
		c.Node.Group = g
	}
	if s := os.Getenv(envServerId); len(s) > 0 {
		c.Node.ServerId = s
	}
	if dsn := os.Getenv(envStreamDsn); len(dsn) > 0 {
		c.Stream.Dsn = dsn
	}

	if c.Node.NodeId == 0 && c.Node.DataCenterId == 0 {
		dcStr := os.Getenv(envDataCenterId)
		ndStr := os.Getenv(envNodeId)
		if len(dcStr) == 0 || len(ndStr) == 0 {
			return nil
		}
		dc, err := strconv.ParseInt(dcStr, 10, 32)
		if err != nil {
			return err
		}
		nd, err := strconv.ParseInt(ndStr, 10, 32)
		if err != nil {
			return err
		}
		c.Node.DataCenterId = int(dc)
		c.Node.NodeId = int(nd)
	}
	return nil
}

func (c *Config) setDefaults() {
	if len(c.Node.Group) == 0 {
		c.Node.Group = define.DefaultStreamKey
	}
	if len(c.Node.ServerId) == 0 {
		c.Node.ServerId = uuid.NewString()
	}
	if len(c.Stream.Driver) == 0 {
		c.Stream.Driver = "memory"
	}
	if c.Stream.Timeout <= 0 {
		c.Stream.Timeout = 3 * time.Second
	}
	if c.Stream.Retention <= 0 {
		c.Stream.Retention = time.Hour
	}
	if len(c.Orchestrate.Codec) == 0 {
		c.Orchestrate.Codec = "json"
	}
	if c.Orchestrate.RunTimeout <= 0 {
		c.Orchestrate.RunTimeout = 30 * time.Second
	}
	if c.Log.Level == (zap.AtomicLevel{}) {
		c.Log.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if len(c.Log.Encoding) == 0 {
		c.Log.Encoding = "json"
	}
	if len(c.Log.OutputPaths) == 0 {
		c.Log.OutputPaths = []string{"stderr"}
	}
	if len(c.Log.ErrorOutputPaths) == 0 {
		c.Log.ErrorOutputPaths = []string{"stderr"}
	}
}

var (
	streamDrivers = []string{"memory", "postgresql"}
	codecs        = []string{"json", "proto"}
)

func (c *Config) validate() error {
	if !slice.Contain(streamDrivers, c.Stream.Driver) {
		return fmt.Errorf("unknown stream driver : %s", c.Stream.Driver)
	}
	if c.Stream.Driver == "postgresql" && len(c.Stream.Dsn) == 0 {
		return errors.New("stream dsn is missing")
	}
	if !slice.Contain(codecs, c.Orchestrate.Codec) {
		return fmt.Errorf("unknown codec : %s", c.Orchestrate.Codec)
	}
	return nil
}

func InitLog(cfg *zap.Config) error {
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.LevelKey = "level"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LineEnding = zapcore.DefaultLineEnding
	cfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	logutil.SetLogger(logger)
	return nil
}
