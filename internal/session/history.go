package session

// History 固定容量的标签环形缓冲，满时淘汰最旧的一条
type History struct {
	buf   []string
	start int
	size  int
}

// NewHistory 创建容量为 capacity 的历史
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]string, capacity)}
}

// Push 追加到队尾
func (h *History) Push(label string) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = label
		h.size++
		return
	}
	h.buf[h.start] = label
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) Len() int { return h.size }
func (h *History) Cap() int { return len(h.buf) }

// Values 按插入顺序（旧->新）返回副本
func (h *History) Values() []string {
	return h.Tail(h.size)
}

// Tail 返回最近 n 条，不足时返回全部
func (h *History) Tail(n int) []string {
	if n > h.size {
		n = h.size
	}
	if n <= 0 {
		return []string{}
	}
	out := make([]string, n)
	offset := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+offset+i)%len(h.buf)]
	}
	return out
}

// Reset 清空
func (h *History) Reset() {
	h.start = 0
	h.size = 0
}
