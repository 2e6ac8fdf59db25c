package indicator

// Ring 固定容量的FIFO环形缓冲区, 写满后覆盖最旧的数据
type Ring struct {
	buf   []float64
	start int
	n     int
}

// NewRing 创建容量为 capacity 的环形缓冲区 (capacity 至少为 1)
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push 追加一个值, 缓冲区已满时淘汰最旧的值
func (r *Ring) Push(v float64) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = v
		r.n++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

func (r *Ring) Len() int   { return r.n }
func (r *Ring) Cap() int   { return len(r.buf) }
func (r *Ring) Full() bool { return r.n == len(r.buf) }

// At 返回第 i 个值, 0 为最旧
func (r *Ring) At(i int) float64 {
	return r.buf[(r.start+i)%len(r.buf)]
}

// Last 返回最新的值, 空缓冲区返回 0
func (r *Ring) Last() float64 {
	if r.n == 0 {
		return 0
	}
	return r.At(r.n - 1)
}

// Values 按从旧到新的顺序返回一份拷贝
func (r *Ring) Values() []float64 {
	out := make([]float64, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.At(i)
	}
	return out
}

// Tail 返回最新的 k 个值 (从旧到新), 不足 k 个时返回全部
func (r *Ring) Tail(k int) []float64 {
	if k > r.n {
		k = r.n
	}
	out := make([]float64, k)
	for i := 0; i < k; i++ {
		out[i] = r.At(r.n - k + i)
	}
	return out
}

// Max 缓冲区内的最大值, 空缓冲区返回 0
func (r *Ring) Max() float64 {
	if r.n == 0 {
		return 0
	}
	m := r.At(0)
	for i := 1; i < r.n; i++ {
		if v := r.At(i); v > m {
			m = v
		}
	}
	return m
}

// Min 缓冲区内的最小值, 空缓冲区返回 0
func (r *Ring) Min() float64 {
	if r.n == 0 {
		return 0
	}
	m := r.At(0)
	for i := 1; i < r.n; i++ {
		if v := r.At(i); v < m {
			m = v
		}
	}
	return m
}
