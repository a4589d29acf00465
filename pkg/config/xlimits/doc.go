// Package xlimits 提供限流限额的配置装载、快照访问与后台预热。
//
// 三个角色：
//   - Provider: 配置源（静态、文件、MongoDB），产出全局限额与
//     企业级限额（含租户/调用方覆盖）。
//   - Accessor: 请求热路径的读取端。全局与企业全局限额放在原子
//     快照里，读取永不加锁；租户/调用方覆盖走 30 秒 TTL 缓存 +
//     singleflight，未命中回退企业全局。刷新失败保留上一份快照。
//   - Refresher: 后台预热。启动即刷新一次，之后按固定间隔（带
//     抖动）或日历计划（每日/每 N 月/天/时/分的指定时刻）刷新；
//     单次等待封顶 31 天，配置热更后重新计算下一次运行。
//
// Accessor 实现 xquota.LimitResolver，可直接接入限流引擎。
package xlimits
