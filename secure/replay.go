package secure

// windowSize is the number of nonces behind the highest one still accepted.
const windowSize = 64

// replayWindow tracks the highest accepted nonce and a bitmap of the
// windowSize nonces below it. Bit i set means highest-i was accepted.
type replayWindow struct {
	highest uint64
	bitmap  uint64
	started bool
}

// check reports whether n may be accepted.
func (w *replayWindow) check(n uint64) bool {
	if !w.started || n > w.highest {
		return true
	}
	diff := w.highest - n
	if diff >= windowSize {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

// accept records n. It must only be called after check returned true.
func (w *replayWindow) accept(n uint64) {
	switch {
	case !w.started:
		w.started = true
		w.highest = n
		w.bitmap = 1
	case n > w.highest:
		shift := n - w.highest
		if shift >= windowSize {
			w.bitmap = 1
		} else {
			w.bitmap = w.bitmap<<shift | 1
		}
		w.highest = n
	default:
		w.bitmap |= 1 << (w.highest - n)
	}
}
