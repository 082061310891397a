package market

// historyDepth bounds how many exchange prints are kept per symbol for
// indicator warm-up. At one print per second this covers a bit over
// four minutes, comfortably more than any built-in lookback.
const historyDepth = 256

// priceRing keeps the most recent exchange prints for one symbol in
// arrival order. Capacity is fixed; old prints fall off the front.
type priceRing struct {
	buf  []float64
	head int
	full bool
}

func newPriceRing(capacity int) *priceRing {
	return &priceRing{buf: make([]float64, capacity)}
}

func (r *priceRing) push(price float64) {
	r.buf[r.head] = price
	r.head = (r.head + 1) % len(r.buf)
	if r.head == 0 {
		r.full = true
	}
}

// series returns the buffered prints oldest first. The slice is a copy;
// callers may keep it across lock boundaries.
func (r *priceRing) series() []float64 {
	if !r.full {
		out := make([]float64, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	out := make([]float64, 0, len(r.buf))
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}
