package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ikenchina/sagastream/tc/app/orchestrate"
	"github.com/ikenchina/sagastream/tc/config"
	tc "github.com/ikenchina/sagastream/tc/service"
)

func TestOrderSuite(t *testing.T) {
	suite.Run(t, new(orderSuite))
}

type orderSuite struct {
	suite.Suite
	svr       *tc.TcService
	inventory *Inventory
	wallet    *Wallet
	service   *Service
	saga      *orchestrate.Orchestrator
}

func (s *orderSuite) SetupTest() {
	svr, err := tc.NewTc(&config.Config{
		Node:   config.NodeConfig{NodeId: 3, DataCenterId: 1, Group: "order", ServerId: "demo"},
		Stream: config.StreamConfig{Driver: "memory"},
	})
	s.Require().Nil(err)
	s.svr = svr

	s.inventory = NewInventory(map[string]int{"book": 2})
	s.wallet = NewWallet(map[string]int{"alice": 100})
	s.service = NewService(s.inventory, s.wallet)
	s.saga, err = s.service.Register(svr.Engine(), svr.Registry())
	s.Require().Nil(err)
	s.Require().Nil(svr.Start())
}

func (s *orderSuite) TearDownTest() {
	s.Nil(s.svr.Stop())
}

func (s *orderSuite) run(o Order) (Shipment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return orchestrate.RunAs[Shipment](ctx, s.saga, o)
}

func (s *orderSuite) TestShipped() {
	shipment, err := s.run(Order{Id: "o1", User: "alice", Sku: "book", Qty: 1, Amount: 30, Address: "street 1"})
	s.Require().Nil(err)
	s.Equal(Shipment{OrderId: "o1", TrackingNo: "TRK-o1"}, shipment)

	s.Equal(1, s.inventory.Stock("book"))
	s.Equal(70, s.wallet.Balance("alice"))
	no, ok := s.service.Shipped("o1")
	s.True(ok)
	s.Equal("TRK-o1", no)
}

func (s *orderSuite) TestOutOfStock() {
	_, err := s.run(Order{Id: "o2", User: "alice", Sku: "book", Qty: 3, Amount: 30, Address: "street 1"})
	s.ErrorIs(err, orchestrate.ErrRolledBack)
	s.Contains(err.Error(), ErrOutOfStock.Error())

	s.Equal(2, s.inventory.Stock("book"))
	s.Equal(100, s.wallet.Balance("alice"))
	s.Eventually(func() bool {
		_, ok := s.service.Cancelled("o2")
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

func (s *orderSuite) TestInsufficientBalance() {
	_, err := s.run(Order{Id: "o3", User: "alice", Sku: "book", Qty: 1, Amount: 300, Address: "street 1"})
	s.ErrorIs(err, orchestrate.ErrRolledBack)
	s.Contains(err.Error(), ErrInsufficientBalance.Error())

	s.Equal(2, s.inventory.Stock("book"))
	s.Equal(100, s.wallet.Balance("alice"))
}

func (s *orderSuite) TestUndeliverable() {
	_, err := s.run(Order{Id: "o4", User: "alice", Sku: "book", Qty: 2, Amount: 60})
	s.ErrorIs(err, orchestrate.ErrRolledBack)
	s.Contains(err.Error(), ErrUndeliverable.Error())

	s.Equal(2, s.inventory.Stock("book"))
	s.Equal(100, s.wallet.Balance("alice"))
	_, ok := s.service.Shipped("o4")
	s.False(ok)
	s.Eventually(func() bool {
		cause, ok := s.service.Cancelled("o4")
		return ok && cause != ""
	}, 3*time.Second, 10*time.Millisecond)
}
