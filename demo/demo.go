package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ikenchina/sagastream/common/errorutil"
	logutil "github.com/ikenchina/sagastream/common/log"
	"github.com/ikenchina/sagastream/common/runner"
	"github.com/ikenchina/sagastream/demo/order"
	"github.com/ikenchina/sagastream/tc/app/orchestrate"
	"github.com/ikenchina/sagastream/tc/config"
	tc "github.com/ikenchina/sagastream/tc/service"
)

var (
	httpListen = flag.String("http", "", "http listen address, the node keeps serving when set")
	userCount  = flag.Int("user_count", 3, "user count")
	balance    = flag.Int("balance", 50, "balance of every user")
	stock      = flag.Int("stock", 2, "stock of the book")
)

func main() {
	flag.Parse()
	logger, _ := zap.NewDevelopment()
	logutil.SetLogger(logger)

	svr, err := tc.NewTc(&config.Config{
		Node:        config.NodeConfig{NodeId: 1, DataCenterId: 1, Group: "order", ServerId: "demo"},
		HttpListen:  *httpListen,
		Stream:      config.StreamConfig{Driver: "memory"},
		Orchestrate: config.OrchestrateConfig{Codec: "json"},
	})
	errorutil.PanicIfError(err)

	balances := make(map[string]int)
	for i := 0; i < *userCount; i++ {
		balances[user(i)] = *balance
	}
	inventory := order.NewInventory(map[string]int{"book": *stock})
	wallet := order.NewWallet(balances)
	service := order.NewService(inventory, wallet)
	saga, err := service.Register(svr.Engine(), svr.Registry())
	errorutil.PanicIfError(err)

	if len(*httpListen) > 0 {
		runner.RunService(svr).Wait()
		return
	}

	errorutil.PanicIfError(svr.Start())
	defer svr.Stop()

	for i := 0; i < *userCount; i++ {
		o := order.Order{
			Id:      fmt.Sprintf("order-%d", i),
			User:    user(i),
			Sku:     "book",
			Qty:     1,
			Amount:  20 * (i + 1),
			Address: "street " + user(i),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		shipment, err := orchestrate.RunAs[order.Shipment](ctx, saga, o)
		cancel()
		if err != nil {
			logutil.Logger(ctx).Sugar().Infof("order %s failed : %v", o.Id, err)
			continue
		}
		logutil.Logger(ctx).Sugar().Infof("order %s shipped : %s", o.Id, shipment.TrackingNo)
	}

	logutil.Logger(context.Background()).Sugar().Infof("stock of book : %d", inventory.Stock("book"))
	for i := 0; i < *userCount; i++ {
		logutil.Logger(context.Background()).Sugar().Infof("balance of %s : %d", user(i), wallet.Balance(user(i)))
	}
}

func user(i int) string {
	return fmt.Sprintf("user-%d", i)
}
