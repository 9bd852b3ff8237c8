package sink

import (
	"bytes"
	"os"
	"sync"
)

func init() {
	Register("memory", func(Params) (Sink, error) { return NewMemory(), nil })
}

// MemorySink 内存输出汇，用于测试和试运行
type MemorySink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

// NewMemory 创建内存输出汇
func NewMemory() *MemorySink {
	return &MemorySink{}
}

// Name 返回描述
func (s *MemorySink) Name() string {
	return "memory"
}

// Append 追加写入
func (s *MemorySink) Append(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}
	return s.buf.Write(p)
}

// Bytes 返回已写入内容的副本
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// Len 返回已写入字节数
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Close 关闭输出汇，内容仍可读取
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
