package cache

import "sync"

// KeyLocks 为每个 key 提供读写锁：命中时持有共享锁读取，回源时持有独占锁写入。
// 锁对象按引用计数回收，避免 map 随 key 数量无限增长。零值可直接使用。
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.RWMutex
	refs int
}

// RLock 获取 key 的共享锁，返回释放函数。
func (l *KeyLocks) RLock(key string) func() {
	lock := l.acquire(key)
	lock.mu.RLock()
	return func() {
		lock.mu.RUnlock()
		l.release(key, lock)
	}
}

// Lock 获取 key 的独占锁，返回释放函数。
func (l *KeyLocks) Lock(key string) func() {
	lock := l.acquire(key)
	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.release(key, lock)
	}
}

// Len 返回当前仍被持有或等待的 key 数量。
func (l *KeyLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLocks) acquire(key string) *entryLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*entryLock)
	}
	lock := l.locks[key]
	if lock == nil {
		lock = &entryLock{}
		l.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (l *KeyLocks) release(key string, lock *entryLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}
