package populate

import "sync"

// scratchPool recycles the byte buffers populate calls fill before
// installing, avoiding an allocation per fault on the hot path. Buffer
// sizes vary with each object's install unit, so this pools by capacity
// rather than a single fixed size, unlike a byte-slice arena sized for
// one known record length.
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
	scratchPool.Put(buf) //nolint:staticcheck // deliberately pooling variable-capacity slices
}
