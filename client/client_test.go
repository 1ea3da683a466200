package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ikenchina/sagastream/common/codec"
	"github.com/ikenchina/sagastream/define"
	"github.com/ikenchina/sagastream/tc/app/orchestrate"
	"github.com/ikenchina/sagastream/tc/config"
	tc "github.com/ikenchina/sagastream/tc/service"
)

type quote struct {
	Sku string `json:"sku"`
}

type price struct {
	Sku   string `json:"sku"`
	Cents int    `json:"cents"`
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(clientSuite))
}

type clientSuite struct {
	suite.Suite
	svr  *tc.TcService
	http *HttpClient
	grpc *GrpcClient
}

func (s *clientSuite) SetupSuite() {
	svr, err := tc.NewTc(&config.Config{
		Node:        config.NodeConfig{NodeId: 2, DataCenterId: 1, Group: "order", ServerId: "tc-client-test"},
		HttpListen:  "127.0.0.1:0",
		GrpcListen:  "127.0.0.1:0",
		Stream:      config.StreamConfig{Driver: "memory"},
		Orchestrate: config.OrchestrateConfig{Codec: "json", RunTimeout: 5 * time.Second},
	})
	s.Require().Nil(err)
	s.svr = svr

	_, err = svr.Engine().NewBuilder("quote").
		AddStart(orchestrate.NewStep(func(ctx context.Context, q quote, octx *orchestrate.Context) (price, error) {
			if q.Sku == "" {
				return price{}, errors.New("empty sku")
			}
			return price{Sku: q.Sku, Cents: 250}, nil
		})).
		Build()
	s.Require().Nil(err)
	s.Require().Nil(svr.Start())

	s.http, err = NewHttpClient(fmt.Sprintf("http://%s/", svr.HttpAddr().String()), "payment")
	s.Require().Nil(err)
	s.grpc, err = NewGrpcClient(svr.GrpcAddr().String(), "inventory")
	s.Require().Nil(err)
}

func (s *clientSuite) TearDownSuite() {
	s.Nil(s.grpc.Close())
	s.Nil(s.svr.Stop())
}

func (s *clientSuite) clients() map[string]Client {
	return map[string]Client{"http": s.http, "grpc": s.grpc}
}

func (s *clientSuite) TestInvalidServer() {
	_, err := NewHttpClient("127.0.0.1:8080", "")
	s.ErrorIs(err, ErrInvalidServer)
}

func (s *clientSuite) TestNewTxnId() {
	id, err := s.http.NewTxnId(context.Background())
	s.Nil(err)
	s.NotEmpty(id)
}

func (s *clientSuite) TestLifecycle() {
	ctx := context.Background()
	for name, cli := range s.clients() {
		txnId, err := cli.Start(ctx, &define.StartRequest{Undo: "undo-" + name})
		s.Require().Nil(err, name)

		eventType, event, err := Event(codec.NewJSONCodec(), &quote{Sku: name})
		s.Require().Nil(err)
		s.Nil(cli.Join(ctx, &define.JoinRequest{TxnId: txnId, EventType: eventType, Event: event}), name)
		s.Nil(cli.Commit(ctx, &define.CommitRequest{TxnId: txnId}), name)

		resp, err := cli.Get(ctx, txnId)
		s.Require().Nil(err, name)
		s.Equal(define.TxnStateCommit, resp.State, name)

		s.NotNil(cli.Commit(ctx, &define.CommitRequest{TxnId: txnId}), name)
	}
}

func (s *clientSuite) TestErrors() {
	ctx := context.Background()

	err := s.http.Join(ctx, &define.JoinRequest{TxnId: "absent"})
	cerr := &Error{}
	s.Require().True(errors.As(err, &cerr))
	s.Equal(http.StatusNotFound, cerr.Code)

	err = s.grpc.Join(ctx, &define.JoinRequest{TxnId: "absent"})
	s.Equal(codes.NotFound, status.Code(err))
}

func (s *clientSuite) TestTransaction() {
	ctx := context.Background()
	for name, cli := range s.clients() {
		txnId, err := Transaction(ctx, cli, "", func(ctx context.Context, txnId string) error {
			return cli.Join(ctx, &define.JoinRequest{TxnId: txnId})
		})
		s.Require().Nil(err, name)
		resp, err := cli.Get(ctx, txnId)
		s.Require().Nil(err)
		s.Equal(define.TxnStateCommit, resp.State, name)

		cause := errors.New("insufficient balance")
		txnId, err = Transaction(ctx, cli, "", func(ctx context.Context, txnId string) error {
			return cause
		})
		s.ErrorIs(err, cause, name)
		resp, err = cli.Get(ctx, txnId)
		s.Require().Nil(err)
		s.Equal(define.TxnStateRollback, resp.State, name)
	}
}

func (s *clientSuite) TestOrchestrate() {
	ctx := context.Background()

	resp, err := s.http.Orchestrate(ctx, "quote", &quote{Sku: "book"})
	s.Require().Nil(err)
	p := price{}
	s.Nil(codec.NewJSONCodec().Decode(resp.Result, &p))
	s.Equal(price{Sku: "book", Cents: 250}, p)

	resp, err = s.http.Orchestrate(ctx, "quote", &quote{})
	s.NotNil(err)
	s.NotEmpty(resp.TxnId)
	s.Contains(resp.Msg, "empty sku")

	txnId, err := s.http.OrchestrateAsync(ctx, "quote", &quote{Sku: "pen"})
	s.Require().Nil(err)
	s.Eventually(func() bool {
		resp, err = s.http.Result(ctx, txnId)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	s.JSONEq(`{"sku":"pen","cents":250}`, resp.Result)
}
