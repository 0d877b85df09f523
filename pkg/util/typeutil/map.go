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

package typeutil

import (
	"sync"

	"go.uber.org/atomic"
)

// ConcurrentMap 是 sync.Map 的泛型封装，并额外维护元素个数。
type ConcurrentMap[K comparable, V any] struct {
	inner sync.Map
	len   atomic.Int64
}

// NewConcurrentMap 创建一个空的 ConcurrentMap。
func NewConcurrentMap[K comparable, V any]() *ConcurrentMap[K, V] {
	return &ConcurrentMap[K, V]{}
}

// Insert 写入 key 对应的值，已存在时覆盖。
func (m *ConcurrentMap[K, V]) Insert(key K, value V) {
	_, loaded := m.inner.Swap(key, value)
	if !loaded {
		m.len.Inc()
	}
}

// Get 读取 key 对应的值。
func (m *ConcurrentMap[K, V]) Get(key K) (V, bool) {
	var zeroValue V
	value, ok := m.inner.Load(key)
	if !ok {
		return zeroValue, false
	}
	return value.(V), true
}

// GetOrInsert 返回 key 已有的值；不存在时写入 value 并返回。
// loaded 为 true 表示返回的是已有值。
func (m *ConcurrentMap[K, V]) GetOrInsert(key K, value V) (V, bool) {
	actual, loaded := m.inner.LoadOrStore(key, value)
	if !loaded {
		m.len.Inc()
	}
	return actual.(V), loaded
}

// Remove 删除 key，不存在时忽略。
func (m *ConcurrentMap[K, V]) Remove(key K) {
	m.GetAndRemove(key)
}

// GetAndRemove 删除 key 并返回其原有的值。
func (m *ConcurrentMap[K, V]) GetAndRemove(key K) (V, bool) {
	var zeroValue V
	value, loaded := m.inner.LoadAndDelete(key)
	if !loaded {
		return zeroValue, false
	}
	m.len.Dec()
	return value.(V), true
}

// Contain 判断 key 是否存在。
func (m *ConcurrentMap[K, V]) Contain(key K) bool {
	_, ok := m.inner.Load(key)
	return ok
}

// Len 返回元素个数。
func (m *ConcurrentMap[K, V]) Len() int {
	return int(m.len.Load())
}

// Range 遍历所有元素，回调返回 false 时终止。
func (m *ConcurrentMap[K, V]) Range(f func(key K, value V) bool) {
	m.inner.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

func (m *ConcurrentMap[K, V]) Keys() []K {
	ret := make([]K, 0, m.Len())
	m.Range(func(key K, _ V) bool {
		ret = append(ret, key)
		return true
	})
	return ret
}

func (m *ConcurrentMap[K, V]) Values() []V {
	ret := make([]V, 0, m.Len())
	m.Range(func(_ K, value V) bool {
		ret = append(ret, value)
		return true
	})
	return ret
}

// CompareAndRemove 仅当 key 当前的值等于 old 时删除，返回是否删除成功。
// V 必须是可比较类型（例如指针），否则会 panic。
func (m *ConcurrentMap[K, V]) CompareAndRemove(key K, old V) bool {
	if m.inner.CompareAndDelete(key, old) {
		m.len.Dec()
		return true
	}
	return false
}
