// Package xrevoke 提供令牌撤销与重放检测存储。
//
// 两个语义：
//   - Revoke/IsRevoked: 按 jti 撤销令牌，撤销标记随令牌剩余有效期过期。
//   - TryMarkSeen: 先写者赢的一次性标记，同一 jti 的第二次写入返回
//     false，用于检测令牌重放。
//
// 提供 Redis 实现（多实例共享）与内存实现（单实例、测试）。
package xrevoke
