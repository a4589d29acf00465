// Package xkey 将上游身份信息解析为四个限流分区键。
//
// 每个请求沿四个维度生成分区键：
//   - Tenant: 租户（组织/企业）
//   - Client: 调用方应用
//   - User:   终端用户
//   - IP:     客户端源地址
//
// 声明缺失时各维度回退到匿名值（tenant/client/user 回退 "anonymous"，
// IP 回退 "unknown"），保证任何请求都能落到确定的分区上。键值带维度
// 前缀（"tenant:"、"client:" 等），避免不同维度的原始值在后端存储中
// 相互碰撞。
//
// 解析是纯函数：相同输入永远产生相同的键，不访问网络，不返回错误。
//
// 基本用法:
//
//	r, _ := xkey.NewResolver()
//	keys := r.Resolve(xkey.Attributes{
//	    Claims:     map[string][]string{"tid": {"acme"}, "sub": {"u-1"}},
//	    RemoteAddr: "203.0.113.7:443",
//	})
//	keys.User.Value    // "user:u-1"
//	keys.User.HexHash() // 持久化用的 SHA-256 摘要
package xkey
