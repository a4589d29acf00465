// Package xblock 提供封禁名单的存取与请求预检。
//
// 封禁记录以分区键的 SHA-256 摘要索引，按维度（tenant/client/user/ip）
// 存放。Gate 在限流判定之前运行：按 IP、Tenant、Client、User 的固定
// 顺序检查候选键，IP 永远参与，其余维度只在非匿名时检查，命中第一条
// 生效记录即拒绝。
//
// 存储查询经过熔断器（gobreaker）。存储故障或熔断开启时默认放行
// （fail-open，可用性优先），可通过 WithFailClosed 切换为拒绝。
package xblock
