/*
包 handlers 提供 AdStudio 的 HTTP API 处理器。

# 概述

本包实现 REST + WebSocket 两种 API 面：

  - JobsHandler：广告生成任务的提交、查询、列表与取消。
  - EventsHandler：基于 WebSocket 的任务进度事件流。
  - HealthHandler：依赖检查、Provider 健康评分与预算水位。

所有响应使用统一的 Response 信封，错误通过 gen.Error
归一化为稳定的错误码与 HTTP 状态。
*/
package handlers
