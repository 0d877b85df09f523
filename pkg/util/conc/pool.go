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
package conc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"

	"github.com/lk2023060901/danmu-garden-relay/pkg/util/merr"
)

// Pool 是基于 ants 的泛型协程池，Submit 返回 Future 以获取任务结果。
type Pool[T any] struct {
	inner *ants.Pool
	opt   *poolOption
}

// NewPool 创建一个容量为 cap 的协程池。
func NewPool[T any](cap int, opts ...PoolOption) *Pool[T] {
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	pool, err := ants.NewPool(cap, opt.antsOptions()...)
	if err != nil {
		panic(err)
	}

	return &Pool[T]{
		inner: pool,
		opt:   opt,
	}
}

// Submit 提交一个任务。
// 非阻塞模式下协程池已满时，返回的 Future 立即完成，
// 其错误为 merr.ErrServiceTooManyRequests。
func (pool *Pool[T]) Submit(method func() (T, error)) *Future[T] {
	future := newFuture[T]()
	err := pool.inner.Submit(func() {
		defer close(future.ch)
		defer func() {
			if x := recover(); x != nil {
				future.err = fmt.Errorf("panicked with error: %v", x)
				panic(x) // 交给 ants 的 panic handler 处理
			}
		}()
		// 执行预处理函数（如果配置了的话）。
		if pool.opt.preHandler != nil {
			pool.opt.preHandler()
		}
		res, err := method()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			err = merr.WrapErrTooManyRequests(int32(pool.Cap()), err.Error())
		}
		future.err = err
		close(future.ch)
	}

	return future
}

// Cap 返回协程池的容量。
func (pool *Pool[T]) Cap() int {
	return pool.inner.Cap()
}

// Running 返回正在运行的任务数。
func (pool *Pool[T]) Running() int {
	return pool.inner.Running()
}

// Free 返回空闲的 worker 数。
func (pool *Pool[T]) Free() int {
	return pool.inner.Free()
}

// Resize 调整协程池容量。
func (pool *Pool[T]) Resize(size int) error {
	if pool.opt.preAlloc {
		return merr.WrapErrServiceInternal("cannot resize pre-alloc pool")
	}
	if size <= 0 {
		return merr.WrapErrParameterInvalid("positive size", fmt.Sprint(size))
	}
	pool.inner.Tune(size)
	return nil
}

// Release 释放协程池，等待中的任务不会再被执行。
func (pool *Pool[T]) Release() {
	pool.inner.Release()
}
