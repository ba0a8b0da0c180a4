package stream

import (
	"github.com/rs/zerolog"
)

// Router 入站消息 -> 频道标识 -> 监听者。
// 单个频道的解析或投递失败只影响该频道。
type Router[T any] struct {
	name     string
	decoder  Decoder[T]
	registry *Registry[T]
	acks     *ackWaiter
	log      zerolog.Logger
	obs      Observer

	classifier ErrorClassifier[T]
	ackDecoder AuthAckDecoder[T]
}

// NewRouter 创建路由；decoder 额外实现 ErrorClassifier / AuthAckDecoder 时自动启用对应能力
func NewRouter[T any](name string, decoder Decoder[T], registry *Registry[T], acks *ackWaiter, logger zerolog.Logger, obs Observer) *Router[T] {
	if obs == nil {
		obs = nopObserver{}
	}
	r := &Router[T]{
		name:     name,
		decoder:  decoder,
		registry: registry,
		acks:     acks,
		log:      logger,
		obs:      obs,
	}
	if c, ok := any(decoder).(ErrorClassifier[T]); ok {
		r.classifier = c
	}
	if a, ok := any(decoder).(AuthAckDecoder[T]); ok {
		r.ackDecoder = a
	}
	return r
}

// HandleRaw 传输层回调入口：解析原始帧后路由
func (r *Router[T]) HandleRaw(raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Interface("panic", p).Bytes("message", truncate(raw)).Msg("路由消息时发生 panic，丢弃该消息")
			r.obs.Dropped(r.name, "panic")
		}
	}()

	msg, err := r.decoder.Decode(raw)
	if err != nil {
		r.log.Error().Err(err).Bytes("message", truncate(raw)).Msg("无法解析消息")
		r.obs.Dropped(r.name, "decode")
		return
	}
	if r.classifier != nil {
		if cause := r.classifier.MessageError(msg); cause != nil {
			r.RouteError(msg, cause)
			return
		}
	}
	r.Route(msg)
}

// Route 推送给匹配的监听者；没有订阅者的消息（ping/ack 等系统消息）只记 debug 日志
func (r *Router[T]) Route(msg T) {
	if r.ackDecoder != nil && r.acks != nil {
		if nonce, acked := r.ackDecoder.AuthAck(msg); acked {
			r.acks.resolve(nonce)
		}
	}
	id, ok := r.channelOf(msg)
	if !ok {
		return
	}
	if !r.registry.Deliver(id, Event[T]{Msg: msg}) {
		r.log.Debug().Str("channel", id).Msg("频道没有订阅者，丢弃消息")
		r.obs.Dropped(r.name, "no_subscriber")
		return
	}
	r.obs.Routed(r.name, id)
}

// RouteError 把错误推给对应频道，不影响其他订阅
func (r *Router[T]) RouteError(msg T, cause error) {
	id, ok := r.channelOf(msg)
	if !ok {
		return
	}
	if !r.registry.Deliver(id, Event[T]{Err: cause}) {
		r.log.Error().Err(cause).Str("channel", id).Msg("未订阅频道收到错误消息")
		r.obs.Dropped(r.name, "no_subscriber")
		return
	}
	r.log.Warn().Err(cause).Str("channel", id).Msg("频道收到错误消息")
}

func (r *Router[T]) channelOf(msg T) (string, bool) {
	id, err := r.decoder.ChannelID(msg)
	if err != nil {
		derr := &DecodeError{Err: err}
		r.log.Error().Err(derr).Msg("无法识别消息所属频道")
		r.obs.Dropped(r.name, "decode")
		return "", false
	}
	return id, true
}

func truncate(raw []byte) []byte {
	const limit = 512
	if len(raw) > limit {
		return raw[:limit]
	}
	return raw
}
