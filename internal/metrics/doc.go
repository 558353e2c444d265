/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP、生成调用、流水线任务、缓存与数据库五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - 生成调用指标：调用总数、耗时、USD 成本，
    按 provider/modality/model 分组。
  - 流水线指标：任务完成总数、任务耗时、单任务成本、队列深度。
  - 缓存指标：命中与未命中计数，按 modality 分组。
  - 数据库指标：活跃/空闲连接数 Gauge，按 database 分组。
*/
package metrics
