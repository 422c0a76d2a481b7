package evict

import "sync"

// scratchPool recycles the page-sized buffers a dirty-page flush reads
// live memory into before writing it to the backing store.
var scratchPool sync.Pool

func getScratch(n int) []byte {
	if v := scratchPool.Get(); v != nil {
		buf := v.([]byte)
		if cap(buf) >= n {
			return buf[:n]
		}
	}
	return make([]byte, n)
}

func putScratch(buf []byte) {
	scratchPool.Put(buf)
}
