package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

func init() {
	Register("file", NewFile)
}

// FileSink 文件输出汇，以追加模式打开，从不截断已有内容
type FileSink struct {
	path   string
	file   *os.File
	logger *zap.Logger
	mu     sync.Mutex
	closed bool
}

// NewFile 创建文件输出汇
func NewFile(params Params) (Sink, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("文件路径不能为空")
	}
	return OpenFile(params.Path, params.Logger)
}

// OpenFile 打开（必要时创建）文件用于追加写入
func OpenFile(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建输出目录失败: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	logger.Info("输出文件已打开", zap.String("path", path))
	return &FileSink{path: path, file: file, logger: logger}, nil
}

// Name 返回描述
func (s *FileSink) Name() string {
	return fmt.Sprintf("file (%s)", s.path)
}

// Append 追加写入
func (s *FileSink) Append(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}
	return s.file.Write(p)
}

// Sync 刷盘
func (s *FileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	return s.file.Sync()
}

// Close 关闭文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.logger.Warn("输出文件刷盘失败", zap.Error(err))
	}
	return s.file.Close()
}
