package ingest

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// keyLock serializes work per (channel, message id) using a fixed set of
// striped mutexes. Distinct keys may share a stripe; that only costs
// parallelism.
type keyLock struct {
	stripes []sync.Mutex
}

func newKeyLock(n int) *keyLock {
	if n <= 0 {
		n = 64
	}
	return &keyLock{stripes: make([]sync.Mutex, n)}
}

func (k *keyLock) lock(channel string, messageID int64) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(strconv.AppendInt(nil, messageID, 10))
	mu := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	mu.Lock()
	return mu.Unlock
}
