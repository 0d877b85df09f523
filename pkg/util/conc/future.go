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

type future interface {
	wait()
	OK() bool
	Err() error
}

// Future 表示一个异步任务的结果。
// 调用方可以通过 Await 等待任务完成并获取结果。
type Future[T any] struct {
	ch    chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		ch: make(chan struct{}),
	}
}

func (future *Future[T]) wait() {
	<-future.ch
}

// Await 阻塞等待任务完成，返回结果与错误。
func (future *Future[T]) Await() (T, error) {
	future.wait()
	return future.value, future.err
}

// Value 阻塞等待任务完成，只返回结果。
func (future *Future[T]) Value() T {
	future.wait()
	return future.value
}

// Done 非阻塞地判断任务是否已完成。
func (future *Future[T]) Done() bool {
	select {
	case <-future.ch:
		return true
	default:
		return false
	}
}

// OK 阻塞等待任务完成，返回任务是否成功。
func (future *Future[T]) OK() bool {
	future.wait()
	return future.err == nil
}

// Err 阻塞等待任务完成，返回任务的错误。
func (future *Future[T]) Err() error {
	future.wait()
	return future.err
}

// Inner 返回任务完成时关闭的通道，便于与 select 配合使用。
func (future *Future[T]) Inner() <-chan struct{} {
	return future.ch
}

// Go 在新的 goroutine 中执行 fn，并返回对应的 Future。
func Go[R any](fn func() (R, error)) *Future[R] {
	future := newFuture[R]()
	go func() {
		defer close(future.ch)
		res, err := fn()
		if err != nil {
			future.err = err
		} else {
			future.value = res
		}
	}()
	return future
}

// AwaitAll 等待所有 Future 完成。
// 返回第一个失败任务的错误，全部成功时返回 nil。
func AwaitAll[T future](futures ...T) error {
	var firstErr error
	for i := range futures {
		if !futures[i].OK() && firstErr == nil {
			firstErr = futures[i].Err()
		}
	}
	return firstErr
}
