// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	backendMetricSubsystem = "backend"
)

// 后端响应被丢弃的原因。
const (
	DropReasonUnknownSession = "unknown_session"
	DropReasonProtocol       = "protocol"
	DropReasonDecode         = "decode"
	DropReasonQueueClosed    = "queue_closed"
)

var (
	backendMetricsRegisterOnce sync.Once

	BackendPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: backendMetricSubsystem,
		Name:      "publish_failures_total",
		Help:      "重试耗尽后仍未能发送到后端的请求数",
	}, []string{driverLabelName})

	BackendPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: backendMetricSubsystem,
		Name:      "published_total",
		Help:      "成功发送到后端的请求数",
	}, []string{driverLabelName})

	BackendDispatchDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: backendMetricSubsystem,
		Name:      "dispatch_dropped_total",
		Help:      "后端响应因会话不存在、协议版本不兼容或解析失败而被丢弃的条数",
	}, []string{reasonLabelName})

	BackendConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: relayNamespace,
		Subsystem: backendMetricSubsystem,
		Name:      "connected",
		Help:      "后端连接是否可用，1 表示已连接",
	}, []string{driverLabelName})

	BackendReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: relayNamespace,
		Subsystem: backendMetricSubsystem,
		Name:      "reconnects_total",
		Help:      "后端连接断开后的重连次数",
	}, []string{driverLabelName})
)

func registerBackendMetrics(r prometheus.Registerer) {
	backendMetricsRegisterOnce.Do(func() {
		r.MustRegister(BackendPublishFailures)
		r.MustRegister(BackendPublished)
		r.MustRegister(BackendDispatchDropped)
		r.MustRegister(BackendConnected)
		r.MustRegister(BackendReconnects)
	})
}
