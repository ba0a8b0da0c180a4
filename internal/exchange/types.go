package gateway

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// Message gate.io v3 JSON-RPC 报文。
// 请求和应答带 id；服务端推送的 id 为 null，method 形如 "depth.update"。
type Message struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`

	// 解码时根据 method 或请求 id 推导
	Channel string `json:"-"`
	nonce   int64
}

// IsResponse 是否是对某个请求的应答
func (m Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// RPCError 服务端返回的错误
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateio error %d: %s", e.Code, e.Message)
}

type request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// statusResult 订阅/鉴权应答 {"status": "success"}
type statusResult struct {
	Status string `json:"status"`
}
