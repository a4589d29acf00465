// Package xaudit 提供非阻塞的限流审计管道。
//
// 管道分三段：
//   - Recorder: 请求热路径上的生产者。每个请求最多产出 3 条事件
//     （Tenant、Client、User 或 IP），写入有界通道，满则丢弃并计数，
//     绝不阻塞请求。
//   - Aggregator: 单消费者。阻塞取 1 条后非阻塞抽干至批上限，按
//     (分钟窗口, 策略, 维度, 键摘要, 方法) 聚合为增量计数，被拒事件
//     额外生成全量明细（violation），一次性落库。
//   - Store: 持久层。Mongo 实现支持事务整体提交；落库失败整批丢弃
//     不重试（审计是尽力而为的 at-most-once）。
//
// 落库的身份信息只有 SHA-256 摘要与脱敏展示值，原始身份不出进程。
package xaudit
