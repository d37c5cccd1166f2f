package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// rpcTarget is where and as whom a command talks to paymentd.
type rpcTarget struct {
	endpoint       string
	token          string
	idempotencyKey string
}

var (
	rpcHTTPClient = &http.Client{Timeout: 30 * time.Second}
	rpcCall       = callRPC
)

func bindTarget(fs *flag.FlagSet, target *rpcTarget, mutating bool) {
	endpoint := strings.TrimSpace(os.Getenv(rpcEndpointEnv))
	if endpoint == "" {
		endpoint = defaultRPCEndpoint
	}
	fs.StringVar(&target.endpoint, "rpc", endpoint, "paymentd JSON-RPC endpoint (env "+rpcEndpointEnv+")")
	fs.StringVar(&target.token, "token", os.Getenv(rpcTokenEnv), "bearer token (env "+rpcTokenEnv+")")
	if mutating {
		fs.StringVar(&target.idempotencyKey, "idempotency-key", "", "optional Idempotency-Key for safe retries")
	}
}

func callRPC(target rpcTarget, method string, params interface{}) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, target.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(target.token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key := strings.TrimSpace(target.idempotencyKey); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := rpcHTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response: %w", err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}

// invoke performs the call and prints the indented result.
func invoke(target rpcTarget, method string, params interface{}, stdout, stderr io.Writer) int {
	result, rpcErr, err := rpcCall(target, method, params)
	if err != nil {
		return printError(stderr, err.Error())
	}
	if rpcErr != nil {
		fmt.Fprintf(stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(stderr, "%s\n", rpcErr.Data)
		}
		return 1
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(result))
		return 0
	}
	fmt.Fprintln(stdout, pretty.String())
	return 0
}
