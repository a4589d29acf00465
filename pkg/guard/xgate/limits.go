package xgate

import (
	"encoding/json"
	"net/http"

	"github.com/omeyang/gateguard/pkg/guard/xquota"
)

// currentLimits /limits/current 响应体。身份一律脱敏输出。
type currentLimits struct {
	Identity  map[string]string       `json:"identity"`
	Global    xquota.GlobalLimits     `json:"global"`
	Effective xquota.EnterpriseLimits `json:"effective"`
}

// LimitsHandler 诊断端点：返回调用方解析出的分区键（脱敏）与
// 当前生效的限额。放在防护链内使用，自身也受 "global" 策略约束。
func (g *Guard) LimitsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := g.resolver.Resolve(g.claims(r))
		global, effective := g.engine.EffectiveLimits(r.Context(), keys)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(currentLimits{
			Identity: map[string]string{
				"tenant": keys.Tenant.Masked(),
				"client": keys.Client.Masked(),
				"user":   keys.User.Masked(),
				"ip":     keys.IP.Masked(),
			},
			Global:    global,
			Effective: effective,
		})
	})
}
