package stream

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ReplayPolicy 重连后重放订阅的规则
type ReplayPolicy struct {
	PrivateMarker   string        // 频道名包含该标记的视为私有频道，重放前先鉴权
	SignMarker      string        // 鉴权频道本身不重放
	HeartbeatMarker string        // 服务端心跳频道不重放
	AuthAckTimeout  time.Duration // 等待鉴权应答的上限，超时后继续重放

	// Credentials 从订阅参数中取出 apiKey 和 secret
	Credentials func(sub Subscription) (apiKey, secret string, ok bool)
}

// DefaultReplayPolicy 默认规则：order 频道的前两个参数是 apiKey 和 secret
func DefaultReplayPolicy() ReplayPolicy {
	return ReplayPolicy{
		PrivateMarker:   "order",
		SignMarker:      "server.sign",
		HeartbeatMarker: "server.ping",
		AuthAckTimeout:  3000 * time.Millisecond,
		Credentials:     argsCredentials,
	}
}

func argsCredentials(sub Subscription) (string, string, bool) {
	if len(sub.Args) < 2 {
		return "", "", false
	}
	apiKey := fmt.Sprint(sub.Args[0])
	secret := fmt.Sprint(sub.Args[1])
	if apiKey == "" || secret == "" {
		return "", "", false
	}
	return apiKey, secret, true
}

func (p *ReplayPolicy) normalize() {
	def := DefaultReplayPolicy()
	if p.AuthAckTimeout <= 0 {
		p.AuthAckTimeout = def.AuthAckTimeout
	}
	if p.Credentials == nil {
		p.Credentials = def.Credentials
	}
}

func (p ReplayPolicy) private(sub Subscription) bool {
	return p.PrivateMarker != "" && strings.Contains(sub.Channel, p.PrivateMarker)
}

func (p ReplayPolicy) skip(sub Subscription) bool {
	if p.SignMarker != "" && strings.Contains(sub.Channel, p.SignMarker) {
		return true
	}
	return p.HeartbeatMarker != "" && strings.Contains(sub.Channel, p.HeartbeatMarker)
}

// ResubscribeReport 一次重放的结果
type ResubscribeReport struct {
	Authenticated int      // 发出的鉴权请求数
	AuthAcked     int      // 在超时前收到应答的鉴权数
	Replayed      int      // 成功写入发送队列的订阅数
	Current       int      // 已在当前会话上发出过，不再重放
	Skipped       int      // 鉴权/心跳频道
	Failed        []string // 重放失败的频道标识
}

// ResubscribeAll 按登记快照把订阅补发到当前会话：私有频道先鉴权，单个频道失败只记录日志。
// 已经在当前会话上发出过的订阅（例如重连后、重放前新订阅的频道）不会重复发送。
// 重连成功后自动调用，也可以手动调用（例如补发因背压被跳过的订阅）。
func (s *Service[T]) ResubscribeAll(ctx context.Context) ResubscribeReport {
	s.resubMu.Lock()
	defer s.resubMu.Unlock()

	var report ResubscribeReport
	subs := s.registry.Snapshot()
	if len(subs) == 0 {
		return report
	}
	_, _, gen := s.conn.snapshot()

	s.authenticate(ctx, subs, &report)

	for _, sub := range subs {
		if s.policy.skip(sub) {
			report.Skipped++
			s.log.Debug().Str("channel", sub.ID).Msg("跳过鉴权/心跳频道")
			continue
		}
		sent, ok := s.registry.SentOn(sub.ID)
		if !ok {
			// 快照之后已被退订
			continue
		}
		if sent == gen {
			report.Current++
			continue
		}
		replayed, err := s.replay(ctx, sub, gen)
		if err != nil {
			rerr := &ResubscribeError{ChannelID: sub.ID, Err: err}
			s.log.Error().Err(rerr).Str("channel", sub.ID).Msg("频道重订阅失败")
			s.obs.ResubscribeFailed(s.name)
			report.Failed = append(report.Failed, sub.ID)
			continue
		}
		if replayed {
			report.Replayed++
		}
	}
	return report
}

// replay 发送在登记的锁内完成，不会和并发的订阅/退订报文交错
func (s *Service[T]) replay(ctx context.Context, sub Subscription, gen uint64) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return s.registry.Replay(sub.ID, gen, func(sub Subscription) (uint64, error) {
		payload, err := s.codec.BuildSubscribe(sub.Channel, sub.Args)
		if err != nil {
			return 0, err
		}
		return s.conn.send(payload)
	})
}

// authenticate 对私有频道中出现的每组凭证鉴权
func (s *Service[T]) authenticate(ctx context.Context, subs []Subscription, report *ResubscribeReport) {
	for _, sub := range subs {
		if !s.policy.private(sub) {
			continue
		}
		sent, acked := s.authorize(ctx, sub)
		if sent {
			report.Authenticated++
		}
		if acked {
			report.AuthAcked++
		}
	}
}

// authorize 用私有频道的凭证发一次鉴权请求并等待应答（有上限，超时不中断订阅）。
// 同一组凭证在一个会话上只鉴权一次。
func (s *Service[T]) authorize(ctx context.Context, sub Subscription) (sent, acked bool) {
	apiKey, secret, ok := s.policy.Credentials(sub)
	if !ok {
		s.log.Warn().Str("channel", sub.ID).Msg("私有频道缺少鉴权参数，跳过鉴权")
		return false, false
	}
	cred := apiKey + "\x00" + secret

	s.authMu.Lock()
	defer s.authMu.Unlock()

	if _, _, gen := s.conn.snapshot(); gen != 0 && s.authed[cred] == gen {
		return false, false
	}

	nonce := s.nonces.Next()
	signature, err := s.signer.Sign(secret, nonce)
	if err != nil {
		s.log.Error().Err(err).Str("channel", sub.ID).Msg("鉴权签名失败")
		return false, false
	}
	payload, err := s.codec.BuildAuth(apiKey, signature, nonce)
	if err != nil {
		s.log.Error().Err(err).Str("channel", sub.ID).Msg("构造鉴权报文失败")
		return false, false
	}

	var ackCh <-chan struct{}
	if s.correlateAuth {
		ackCh = s.acks.register(nonce)
	}
	s.log.Info().Str("channel", sub.ID).Int64("nonce", nonce).Msg("订阅私有频道前先鉴权")
	gen, err := s.conn.send(payload)
	if err != nil {
		s.acks.forget(nonce)
		s.log.Error().Err(err).Str("channel", sub.ID).Msg("发送鉴权报文失败")
		return false, false
	}
	s.authed[cred] = gen

	return true, s.waitAuthAck(ctx, nonce, ackCh)
}

// waitAuthAck acked 为 nil 时（codec 不支持应答关联）只做固定等待
func (s *Service[T]) waitAuthAck(ctx context.Context, nonce int64, acked <-chan struct{}) bool {
	start := time.Now()
	timer := time.NewTimer(s.policy.AuthAckTimeout)
	defer timer.Stop()

	ok := false
	select {
	case <-acked:
		ok = true
	case <-timer.C:
		if acked != nil {
			s.log.Warn().Int64("nonce", nonce).Dur("timeout", s.policy.AuthAckTimeout).Msg("等待鉴权应答超时，继续订阅")
		}
	case <-ctx.Done():
	}
	s.acks.forget(nonce)
	s.obs.AuthAckWait(s.name, time.Since(start), ok)
	return ok
}
