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
	// #nosec
	_ "net/http/pprof"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// relayNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	relayNamespace = "relay"

	// 以下为当前使用的通用标签名。
	gameTypeLabelName = "game_type"
	reasonLabelName   = "reason"
	outcomeLabelName  = "outcome"
	driverLabelName   = "driver"
)

// 会话关闭原因。
const (
	CloseReasonTimeout  = "timeout"
	CloseReasonRequest  = "close_request"
	CloseReasonShutdown = "shutdown"
	CloseReasonEnding   = "ending"
	CloseReasonPanic    = "panic"
	// 主循环从未运行，会话被直接丢弃。
	CloseReasonRejected = "rejected"
)

var (
	// longTaskBuckets 为长耗时任务的桶划分，单位为毫秒。
	longTaskBuckets = []float64{1, 100, 500, 1000, 5000, 10000, 20000, 50000, 100000, 250000, 500000, 1000000, 3600000, 5000000, 10000000} // 单位：毫秒

	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: relayNamespace,
			Name:      "sessions_active",
			Help:      "number of session loops currently running",
		}, []string{gameTypeLabelName})

	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "sessions_started_total",
			Help:      "number of sessions moved out of the not-available state",
		}, []string{gameTypeLabelName})

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "sessions_closed_total",
			Help:      "number of sessions closed, partitioned by reason",
		}, []string{gameTypeLabelName, reasonLabelName})

	SessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: relayNamespace,
			Name:      "session_duration_ms",
			Help:      "lifetime of a session loop from start to cleanup, in milliseconds",
			Buckets:   longTaskBuckets,
		}, []string{gameTypeLabelName})

	RouteTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "route_total",
			Help:      "number of inbound chat messages routed, partitioned by outcome",
		}, []string{gameTypeLabelName, outcomeLabelName})

	CleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: relayNamespace,
			Name:      "cleanup_failures_total",
			Help:      "number of player channels that could not be deleted during cleanup",
		})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标。
func Register(r prometheus.Registerer) {
	r.MustRegister(SessionsActive)
	r.MustRegister(SessionsStarted)
	r.MustRegister(SessionsClosed)
	r.MustRegister(SessionDuration)
	r.MustRegister(RouteTotal)
	r.MustRegister(CleanupFailures)
	registerBackendMetrics(r)
	metricRegisterer = r
}
