package stream

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("websocket is not open, call connect first")
	ErrBackpressure      = errors.New("websocket is not writable")
	ErrClosed            = errors.New("session closed")
	ErrUnsupportedScheme = errors.New("only ws(s) is supported")
	ErrMissingHost       = errors.New("host cannot be empty")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrDecode            = errors.New("cannot parse channel from message")
	ErrResubscribe       = errors.New("failed to resubscribe channel")
)

// ConnectError connect() 失败：地址非法、握手失败或超时
type ConnectError struct {
	URL string
	Op  string // parse / dial / handshake
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.URL, e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DecodeError 无法从消息中识别出频道
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v: %v", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ResubscribeError 单个频道重订阅失败，不影响其他频道
type ResubscribeError struct {
	ChannelID string
	Err       error
}

func (e *ResubscribeError) Error() string {
	return fmt.Sprintf("%v %s: %v", ErrResubscribe, e.ChannelID, e.Err)
}

func (e *ResubscribeError) Unwrap() error { return e.Err }

func (e *ResubscribeError) Is(target error) bool { return target == ErrResubscribe }
