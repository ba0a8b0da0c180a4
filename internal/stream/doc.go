// Package stream 交易所 WebSocket 行情/交易推送的通用连接内核。
//
// 一个 Service 只持有一条物理连接，在其上复用多个逻辑频道：
//   - 连接管理（connection.go）：建立/关闭会话，区分主动关闭与意外断开
//   - 订阅登记（registry.go）：同一频道只发一次订阅，多个监听者共享
//   - 消息路由（router.go）：解析入站消息并推送给对应频道的监听者
//   - 重连控制（reconnect.go）：消耗共享重连预算，延迟重连并重放订阅，
//     私有频道先完成鉴权（resubscribe.go）
//
// 交易所相关的频道解析、订阅/退订/鉴权报文格式通过 Codec 注入。
package stream
