package emergency

import (
	"sync"

	"Mamori/pkg/util"
)

const lockStripes = 256

// keyedMutex 分段锁，同一 key 始终落到同一把锁上
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyedMutex) Lock(key string) func() {
	m := &k.stripes[util.Slot(key, lockStripes)]
	m.Lock()
	return m.Unlock
}
