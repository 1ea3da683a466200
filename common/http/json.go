package http

import (
	"context"
	"encoding/json"
)

// PostJson posts req encoded as JSON and decodes the response body into
// resp whatever the status code is.
func PostJson(ctx context.Context, txnId, group string, url string, req interface{}, resp interface{}) (int, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	body, code, err := Post(ctx, txnId, group, url, payload)
	if err != nil {
		return code, err
	}
	return code, unmarshal(body, resp)
}

func GetJson(ctx context.Context, txnId, group string, url string, resp interface{}) (int, error) {
	body, code, err := Get(ctx, txnId, group, url)
	if err != nil {
		return code, err
	}
	return code, unmarshal(body, resp)
}

func unmarshal(body []byte, resp interface{}) error {
	if resp == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, resp)
}
