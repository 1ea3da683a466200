package http

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/ikenchina/sagastream/define"
)

const (
	HTTP_HEADER_TXN_ID = "Dtx-Txn-Id"
)

// Send sends payload to url. txnId and group are set as headers when not
// empty.
func Send(ctx context.Context, method, url string, txnId, group string, payload []byte) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, 0, err
	}
	if len(txnId) != 0 {
		req.Header.Add(HTTP_HEADER_TXN_ID, txnId)
	}
	if len(group) != 0 {
		req.Header.Add(define.HeaderNodeGroup, group)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	d, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return d, resp.StatusCode, nil
}

func Get(ctx context.Context, txnId, group string, url string) ([]byte, int, error) {
	return Send(ctx, http.MethodGet, url, txnId, group, nil)
}

func Post(ctx context.Context, txnId, group string, url string, payload []byte) ([]byte, int, error) {
	if payload == nil {
		payload = []byte{}
	}
	return Send(ctx, http.MethodPost, url, txnId, group, payload)
}
