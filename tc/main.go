package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/runner"
	"github.com/ikenchina/sagastream/tc/config"
	tc "github.com/ikenchina/sagastream/tc/service"
)

var (
	configFile = flag.String("config", os.Getenv("SAGASTREAM_CONFIG"), "config file path, defaults to $SAGASTREAM_CONFIG")
	checkOnly  = flag.Bool("check", false, "validate the config file and exit")
)

func main() {
	flag.Parse()
	errorutil.PanicIfError(config.InitConfig(*configFile))

	cfg := config.Get()
	lg := logutil.Logger(context.Background()).With(
		zap.String("group", cfg.Node.Group),
		zap.String("server", cfg.Node.ServerId),
		zap.String("stream", cfg.Stream.Driver))
	if *checkOnly {
		lg.Info("config is valid", zap.String("config", *configFile))
		_ = logutil.Sync()
		return
	}

	svr, err := tc.NewTc(cfg)
	errorutil.PanicIfError(err)

	lg.Info("starting node", zap.String("http", cfg.HttpListen), zap.String("grpc", cfg.GrpcListen))
	runner.RunService(svr).Wait()
}
