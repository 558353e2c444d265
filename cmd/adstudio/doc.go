/*
adstudio 是广告视频生成服务的主入口。

# 命令

	adstudio serve [--config config.yaml]   启动服务
	adstudio version                        显示版本信息
	adstudio health [--addr URL]            对运行中的实例做健康检查

# 服务组成

serve 命令启动两个 HTTP 端口：

  - 业务端口（默认 :8080）：任务 API（/v1/jobs）、事件流
    （/v1/jobs/{id}/events）与健康检查（/health /ready）。
  - 指标端口（默认 :9091）：Prometheus /metrics。

业务端口上的请求依次经过 Recovery、RequestID、SecurityHeaders、
RequestLogger、Metrics、CORS、RateLimiter 中间件；
启用遥测时追加 OTelTracing，启用认证时追加 JWTAuth 或 APIKeyAuth。
*/
package main
