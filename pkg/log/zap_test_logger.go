// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Copyright (c) 2017 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// 说明：本文件中的部分代码基于 go.uber.org/zap 中的实现，遵循 MIT 许可。
//
// https://github.com/uber-go/zap/blob/0c427222737cbbbdc53ebdf852c511f7aca0818b/zaptest/logger.go

package log

import (
	"bytes"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// testingWriter 将日志转写到 t.Logf。detach 之后的写入直接丢弃，
// 测试结束后仍在退出中的协程不会再调用 t.Logf。
type testingWriter struct {
	t          zaptest.TestingT
	markFailed bool
	detached   *atomic.Bool
}

func newTestingWriter(t zaptest.TestingT) testingWriter {
	return testingWriter{t: t, detached: atomic.NewBool(false)}
}

// WithMarkFailed 返回设置了 markFailed 的副本，副本与原值共享 detach 状态。
func (w testingWriter) WithMarkFailed(v bool) testingWriter {
	w.markFailed = v
	return w
}

func (w testingWriter) detach() {
	w.detached.Store(true)
}

func (w testingWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	if w.detached.Load() {
		return n, nil
	}

	// t.Logf 自带换行。
	w.t.Logf("%s", bytes.TrimRight(p, "\n"))
	if w.markFailed {
		w.t.Fail()
	}
	return n, nil
}

func (w testingWriter) Sync() error {
	return nil
}

// SetupTestLogger 把全局 Logger（含 Ctx 使用的分级 Logger）替换为写入 t 的测试
// Logger，返回的函数恢复原有全局 Logger。恢复之后，构造期间捕获了测试 Logger
// 的组件继续写日志也不会触达 t。
//
//	restore, err := log.SetupTestLogger(t, &log.Config{Level: "debug"})
//	require.NoError(t, err)
//	defer restore()
func SetupTestLogger(t zaptest.TestingT, cfg *Config) (func(), error) {
	writer := newTestingWriter(t)
	logger, props, err := initTestLogger(writer, cfg)
	if err != nil {
		return nil, err
	}

	prevL, prevP := L(), _globalP.Load().(*ZapProperties)
	prevLeveled := make(map[zapcore.Level]*zap.Logger)
	_globalLevelLogger.Range(func(k, v any) bool {
		prevLeveled[k.(zapcore.Level)] = v.(*zap.Logger)
		return true
	})

	replaceLeveledLoggers(logger)
	ReplaceGlobals(logger.WithOptions(zap.AddCallerSkip(1)), props)
	return func() {
		writer.detach()
		ReplaceGlobals(prevL, prevP)
		for level, lg := range prevLeveled {
			_globalLevelLogger.Store(level, lg)
		}
	}, nil
}
