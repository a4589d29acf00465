// Package xgate 将身份解析、封禁预检、分层限流与审计记录组合为
// 传输层防护：HTTP 中间件链与 gRPC 一元拦截器。
//
// HTTP 中间件从外到内为 审计 → 封禁 → 限流。路由在注册时显式选择
// 命名策略（Protect），未指定策略的路由经 Handler 走 "global" 策略。
// 拒绝响应使用 application/problem+json，带 Retry-After 头；每个
// 响应回显 X-Correlation-ID，traceId 优先取当前 OTel span。
//
// 审计中间件在处理链结束后恰好观测一次请求，状态码通过
// ResponseWriter 包装捕获，策略与拒绝信息经 context 里的载体回填。
package xgate
