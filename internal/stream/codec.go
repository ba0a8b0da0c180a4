package stream

// Decoder 交易所消息解析：原始帧 -> T，T -> 频道标识
type Decoder[T any] interface {
	Decode(raw []byte) (T, error)
	ChannelID(msg T) (string, error)
}

// MessageBuilder 交易所订阅/退订/鉴权报文
type MessageBuilder interface {
	// SubscriptionID 由频道名和参数推导频道标识，默认就是频道名
	SubscriptionID(channel string, args []any) string
	BuildSubscribe(channel string, args []any) ([]byte, error)
	BuildUnsubscribe(channelID string) ([]byte, error)
	BuildAuth(apiKey, signature string, nonce int64) ([]byte, error)
}

// Codec 每个交易所实现一次
type Codec[T any] interface {
	Decoder[T]
	MessageBuilder
}

// ErrorClassifier 可选：识别出错误消息时，错误会推给对应频道而不是普通消息
type ErrorClassifier[T any] interface {
	MessageError(msg T) error
}

// AuthAckDecoder 可选：识别鉴权应答并给出对应的 nonce
type AuthAckDecoder[T any] interface {
	AuthAck(msg T) (nonce int64, ok bool)
}

// BaseBuilder 提供默认的频道标识推导，交易所 codec 可以嵌入
type BaseBuilder struct{}

// SubscriptionID 默认直接使用频道名
func (BaseBuilder) SubscriptionID(channel string, _ []any) string {
	return channel
}
