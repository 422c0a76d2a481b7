package vmem

import "fmt"

// OptionType tags which Config field a ConfigOption carries, mirroring
// the teacher's sonicopts.OptionType enum (Type()/Value() accessors over
// a closed set of typed options) rather than a loose functional-options
// closure list -- AddOption needs a key to dedupe by.
type OptionType uint8

const (
	TypeArenaSize OptionType = iota
	TypeResidencyBudget
	TypeScratchDir
	TypeDispatchWorkers
	TypeDispatchQueueDepth
	TypeDefaultMinLoadElements
	TypeBackingStoreIOBytesPerSec
	TypeEvictPeriod
	TypeEvictColdEpochs
	TypeDebugTraceCapacity
	maxOptionType
)

func (t OptionType) String() string {
	switch t {
	case TypeArenaSize:
		return "arena_size"
	case TypeResidencyBudget:
		return "residency_budget"
	case TypeScratchDir:
		return "scratch_dir"
	case TypeDispatchWorkers:
		return "dispatch_workers"
	case TypeDispatchQueueDepth:
		return "dispatch_queue_depth"
	case TypeDefaultMinLoadElements:
		return "default_min_load_elements"
	case TypeBackingStoreIOBytesPerSec:
		return "backing_store_io_bytes_per_sec"
	case TypeEvictPeriod:
		return "evict_period"
	case TypeEvictColdEpochs:
		return "evict_cold_epochs"
	case TypeDebugTraceCapacity:
		return "debug_trace_capacity"
	default:
		panic(fmt.Errorf("vmem: invalid option type %d", uint8(t)))
	}
}

// ConfigOption is one process-wide configuration value, set at Init.
type ConfigOption interface {
	Type() OptionType
	Value() interface{}
}

type option struct {
	t OptionType
	v interface{}
}

func (o *option) Type() OptionType   { return o.t }
func (o *option) Value() interface{} { return o.v }

// AddOption appends add to opts, replacing any existing option of the
// same Type so later calls win, matching sonicopts.AddOption.
func AddOption(add ConfigOption, opts []ConfigOption) []ConfigOption {
	for i, cur := range opts {
		if cur.Type() == add.Type() {
			opts[i] = add
			return opts
		}
	}
	return append(opts, add)
}

// WithArenaSize sets the arena's virtual reservation size, in bytes.
func WithArenaSize(bytes int64) ConfigOption { return &option{TypeArenaSize, bytes} }

// WithResidencyBudget sets the global resident-bytes ceiling enforced by
// the eviction engine.
func WithResidencyBudget(bytes int64) ConfigOption { return &option{TypeResidencyBudget, bytes} }

// WithScratchDir sets the directory backing files are created under.
func WithScratchDir(dir string) ConfigOption { return &option{TypeScratchDir, dir} }

// WithDispatchWorkers sets the populate worker-pool size.
func WithDispatchWorkers(n int) ConfigOption { return &option{TypeDispatchWorkers, n} }

// WithDispatchQueueDepth sets the dispatcher's bounded work queue depth.
func WithDispatchQueueDepth(n int) ConfigOption { return &option{TypeDispatchQueueDepth, n} }

// WithDefaultMinLoadElements sets the fallback min_load_elements used
// when a Source leaves it at zero.
func WithDefaultMinLoadElements(n int64) ConfigOption {
	return &option{TypeDefaultMinLoadElements, n}
}

// WithBackingStoreIOBytesPerSec throttles backing-store read/write
// throughput; zero means unthrottled.
func WithBackingStoreIOBytesPerSec(n int64) ConfigOption {
	return &option{TypeBackingStoreIOBytesPerSec, n}
}

// WithEvictPeriodMillis sets the eviction engine's tick interval.
func WithEvictPeriodMillis(ms int64) ConfigOption { return &option{TypeEvictPeriod, ms} }

// WithEvictColdEpochs sets how many ticks a page may go untouched before
// the eviction engine treats it as a reclaim candidate.
func WithEvictColdEpochs(n uint32) ConfigOption { return &option{TypeEvictColdEpochs, n} }

// WithDebugTraceCapacity sets how many events the debug trace ring
// retains once SetDebug(true) is in effect.
func WithDebugTraceCapacity(n int) ConfigOption { return &option{TypeDebugTraceCapacity, n} }
