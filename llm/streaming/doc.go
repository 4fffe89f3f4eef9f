// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 streaming 提供面向 LLM 流式输出场景的背压流控原语，供
api/handlers 的 SSE sink 在慢客户端与 Dispatch Pipeline 之间
做缓冲与反压。

# 概述

在大语言模型的流式响应中，token 以高频增量方式到达。当下游
HTTP 客户端读取速度跟不上时，本包的构建块让反压传导回生产者，
而不是无界增长的内存缓冲：

  - 背压流控：在生产者速度超过消费者时自动施加反压。
  - 速率限制：基于令牌桶算法控制 token 消费速率。
  - 流多路复用：将单一源流扇出到多个消费者。

# 核心接口

  - BackpressureStream — 带高/低水位线的背压流，支持 Block、DropOldest、
    DropNewest、Error 四种丢弃策略。
  - StreamMultiplexer — 将一个 BackpressureStream 扇出给多个消费者。
  - RateLimiter — 令牌桶速率限制器，支持阻塞等待。

# 主要能力

  - 背压控制：通过 HighWaterMark / LowWaterMark 自动暂停与恢复生产者。
  - 可观测：BackpressureStream.Stats() 暴露 produced/consumed/dropped 等指标。
  - 扇出：StreamMultiplexer 支持运行时动态添加消费者。
*/
package streaming
