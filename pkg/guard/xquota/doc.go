// Package xquota 提供按身份分区的分层限流引擎。
//
// 引擎由三部分组成：
//   - 固定的策略目录（policy catalog）：一个全局令牌桶 + 若干端点级
//     固定窗口策略，在构造时注册，运行期不增删；
//   - 限额解析器（LimitResolver）：按 租户覆盖 > 调用方覆盖 > 企业全局
//     > 内置默认 的三级回退解析每次请求的生效限额；
//   - 后端（Backend）：进程内分片实现或 Redis 分布式实现。
//
// 分区隔离是硬性保证：一个分区键的配额耗尽不影响任何其他键。
// 后端内部错误时引擎放行请求（fail-open），只记录日志与指标，
// 可用性优先于限流精度。
//
// 基本用法:
//
//	engine, err := xquota.New(xquota.NewLocalBackend(), resolver)
//	if err != nil { ... }
//	d, err := engine.Check(ctx, xquota.PolicyExportsTenant, keys)
//	if err == nil && !d.Allowed {
//	    // 返回 429，Retry-After 见 d.RetryAfter
//	}
package xquota
