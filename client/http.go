package client

import (
	"context"
	"net/url"
	"strings"

	shttp "github.com/ikenchina/sagastream/common/http"
	"github.com/ikenchina/sagastream/define"
)

// HttpClient talks to the RESTful APIs of a coordinator node.
type HttpClient struct {
	server string
	group  string
}

// NewHttpClient returns a client of the node at server acting as the node
// group group.
func NewHttpClient(server string, group string) (*HttpClient, error) {
	if !shttp.IsValidUrl(server) {
		return nil, ErrInvalidServer
	}
	return &HttpClient{
		server: strings.TrimSuffix(server, "/"),
		group:  group,
	}, nil
}

func (cli *HttpClient) url(path ...string) string {
	for i, p := range path {
		path[i] = url.PathEscape(p)
	}
	return cli.server + "/dtx/" + strings.Join(path, "/")
}

func checkCode(code int, msg string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	return &Error{Code: code, Msg: msg}
}

func (cli *HttpClient) NewTxnId(ctx context.Context) (string, error) {
	resp := &define.StartResponse{}
	code, err := shttp.GetJson(ctx, "", cli.group, cli.url("txn", "id"), resp)
	if err != nil {
		return "", err
	}
	return resp.TxnId, checkCode(code, "")
}

// Start begins a transaction. The response of a start and the error
// responses share the TxnId and Msg fields.
func (cli *HttpClient) Start(ctx context.Context, req *define.StartRequest) (string, error) {
	resp := &define.TxnResponse{}
	code, err := shttp.PostJson(ctx, "", cli.group, cli.url("txn"), req, resp)
	if err != nil {
		return "", err
	}
	if err = checkCode(code, resp.Msg); err != nil {
		return "", err
	}
	return resp.TxnId, nil
}

func (cli *HttpClient) Join(ctx context.Context, req *define.JoinRequest) error {
	return cli.post(ctx, req.TxnId, "join", req)
}

func (cli *HttpClient) Commit(ctx context.Context, req *define.CommitRequest) error {
	return cli.post(ctx, req.TxnId, "commit", req)
}

func (cli *HttpClient) Rollback(ctx context.Context, req *define.RollbackRequest) error {
	return cli.post(ctx, req.TxnId, "rollback", req)
}

func (cli *HttpClient) post(ctx context.Context, txnId string, op string, req interface{}) error {
	resp := &define.TxnResponse{}
	code, err := shttp.PostJson(ctx, txnId, cli.group, cli.url("txn", txnId, op), req, resp)
	if err != nil {
		return err
	}
	return checkCode(code, resp.Msg)
}

func (cli *HttpClient) Get(ctx context.Context, txnId string) (*define.TxnResponse, error) {
	resp := &define.TxnResponse{}
	code, err := shttp.GetJson(ctx, txnId, cli.group, cli.url("txn", txnId), resp)
	if err != nil {
		return nil, err
	}
	if err = checkCode(code, resp.Msg); err != nil {
		return nil, err
	}
	return resp, nil
}

// Orchestrate runs the orchestrator orchestratorId with request and waits
// for the result. A rolled back transaction is returned as an *Error
// together with the response.
func (cli *HttpClient) Orchestrate(ctx context.Context, orchestratorId string, request interface{}) (*define.OrchestrateResponse, error) {
	return cli.orchestrate(ctx, cli.url("orchestrate", orchestratorId), request)
}

// OrchestrateAsync starts the orchestrator without waiting, see Result.
func (cli *HttpClient) OrchestrateAsync(ctx context.Context, orchestratorId string, request interface{}) (string, error) {
	resp, err := cli.orchestrate(ctx, cli.url("orchestrate", orchestratorId)+"?async=true", request)
	if err != nil {
		return "", err
	}
	return resp.TxnId, nil
}

func (cli *HttpClient) orchestrate(ctx context.Context, url string, request interface{}) (*define.OrchestrateResponse, error) {
	resp := &define.OrchestrateResponse{}
	code, err := shttp.PostJson(ctx, "", cli.group, url, request, resp)
	if err != nil {
		return nil, err
	}
	return resp, checkCode(code, resp.Msg)
}

// Result returns the result of an orchestrated transaction, or an *Error
// with code 404 while it runs.
func (cli *HttpClient) Result(ctx context.Context, txnId string) (*define.OrchestrateResponse, error) {
	resp := &define.OrchestrateResponse{}
	code, err := shttp.GetJson(ctx, txnId, cli.group, cli.url("orchestrate", "result", txnId), resp)
	if err != nil {
		return nil, err
	}
	return resp, checkCode(code, resp.Msg)
}
