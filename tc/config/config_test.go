package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/define"
)

const yamlConfig = `
node:
  nodeid: 3
  datacenterid: 1
  group: order
httplisten: ":18080"
grpclisten: ":18081"
stream:
  driver: postgresql
  dsn: "host=localhost dbname=dtx"
  claimtimeout: 10s
  maxconnections: 8
listener:
  backpressuresize: 16
  concurrency: 2
  resubscribeinterval: 200ms
orchestrate:
  resultretention: 5m
log:
  level: debug
  encoding: console
`

const jsonConfig = `{
	"Node": {"NodeId": 1, "DataCenterId": 2, "ServerId": "tc-1"},
	"HttpListen": ":8080",
	"Manager": {"CacheSize": 128, "Breaker": {"ConsecutiveFailures": 5}},
	"Log": {"level": "warn"}
}`

func TestParseYaml(t *testing.T) {
	c, err := Parse([]byte(yamlConfig), ".yaml")
	require.Nil(t, err)
	require.Equal(t, 3, c.Node.NodeId)
	require.Equal(t, 1, c.Node.DataCenterId)
	require.Equal(t, "order", c.Node.Group)
	require.NotEmpty(t, c.Node.ServerId)
	require.Equal(t, ":18081", c.GrpcListen)
	require.Equal(t, "postgresql", c.Stream.Driver)
	require.Equal(t, 10*time.Second, c.Stream.ClaimTimeout)
	require.Equal(t, 8, c.Stream.MaxConnections)
	require.Equal(t, 16, c.Listener.BackpressureSize)
	require.Equal(t, 200*time.Millisecond, c.Listener.ResubscribeInterval)
	require.Equal(t, 5*time.Minute, c.Orchestrate.ResultRetention)
	require.Equal(t, zap.DebugLevel, c.Log.Level.Level())
	require.Equal(t, "console", c.Log.Encoding)
}

func TestParseJson(t *testing.T) {
	c, err := Parse([]byte(jsonConfig), ".json")
	require.Nil(t, err)
	require.Equal(t, "tc-1", c.Node.ServerId)
	require.Equal(t, define.DefaultStreamKey, c.Node.Group)
	require.Equal(t, "memory", c.Stream.Driver)
	require.Equal(t, time.Hour, c.Stream.Retention)
	require.Equal(t, 128, c.Manager.CacheSize)
	require.Equal(t, uint32(5), c.Manager.Breaker.ConsecutiveFailures)
	require.Equal(t, "json", c.Orchestrate.Codec)
	require.Equal(t, 30*time.Second, c.Orchestrate.RunTimeout)
	require.Equal(t, zap.WarnLevel, c.Log.Level.Level())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv(envNodeGroup, "payment")
	t.Setenv(envServerId, "tc-env")
	t.Setenv(envStreamDsn, "host=db")
	t.Setenv(envDataCenterId, "2")
	t.Setenv(envNodeId, "9")

	c, err := Parse([]byte(`{"Stream": {"Driver": "postgresql"}}`), ".json")
	require.Nil(t, err)
	require.Equal(t, "payment", c.Node.Group)
	require.Equal(t, "tc-env", c.Node.ServerId)
	require.Equal(t, "host=db", c.Stream.Dsn)
	require.Equal(t, 2, c.Node.DataCenterId)
	require.Equal(t, 9, c.Node.NodeId)
}

func TestInvalid(t *testing.T) {
	_, err := Parse([]byte(`{"Stream": {"Driver": "mysql"}}`), ".json")
	require.NotNil(t, err)

	_, err = Parse([]byte(`{"Stream": {"Driver": "postgresql"}}`), ".json")
	require.NotNil(t, err)

	_, err = Parse([]byte(`{"Orchestrate": {"Codec": "xml"}}`), ".json")
	require.NotNil(t, err)

	_, err = Parse([]byte(`node: [`), ".yml")
	require.NotNil(t, err)
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tc.yaml")
	require.Nil(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	require.Nil(t, InitConfig(path))
	require.Equal(t, "order", Get().Node.Group)

	require.NotNil(t, InitConfig(filepath.Join(t.TempDir(), "absent.json")))
}
