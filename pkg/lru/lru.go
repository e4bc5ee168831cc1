package lru

import (
	"fmt"

	"github.com/domainscope/domainscope/pkg/list"
)

// LRU is a size bounded map. Once full, adding a new key evicts the
// least recently used one. It is not concurrent safe.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l *list.List[KV[K, V]]
	m map[K]*list.Elem[KV[K, V]]
}

type KV[K comparable, V any] struct {
	Key K
	V   V
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("LRU: invalid max size: %d", maxSize))
	}

	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		l:       list.New[KV[K, V]](),
		m:       make(map[K]*list.Elem[KV[K, V]]),
	}
}

func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.Value.V = v
		q.l.MoveToBack(e)
		return
	}

	// Reuse the oldest element when full.
	if q.l.Len() >= q.maxSize {
		e := q.l.Front()
		if q.onEvict != nil {
			q.onEvict(e.Value.Key, e.Value.V)
		}
		delete(q.m, e.Value.Key)

		e.Value.Key = key
		e.Value.V = v
		q.m[key] = e
		q.l.MoveToBack(e)
		return
	}

	e := list.NewElem(KV[K, V]{Key: key, V: v})
	q.m[key] = e
	q.l.PushBack(e)
}

// Get returns the value of key and marks it as recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.MoveToBack(e)
	return e.Value.V, true
}

// Peek returns the value of key without touching its recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.Value.V, true
}

func (q *LRU[K, V]) Del(key K) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.delElem(e)
}

// Oldest returns the least recently used entry.
func (q *LRU[K, V]) Oldest() (key K, v V, ok bool) {
	e := q.l.Front()
	if e == nil {
		return
	}
	return e.Value.Key, e.Value.V, true
}

// Clean removes every entry for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.Front()
	for e != nil {
		next := e.Next()
		if f(e.Value.Key, e.Value.V) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

func (q *LRU[K, V]) Len() int {
	return q.l.Len()
}

func (q *LRU[K, V]) delElem(e *list.Elem[KV[K, V]]) {
	key, v := e.Value.Key, e.Value.V
	q.l.PopElem(e)
	delete(q.m, key)

	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
