package sink

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Sink 定义输出汇接口，只允许追加写入
type Sink interface {
	// Name 返回输出汇的描述
	Name() string

	// Append 追加写入一段字节，返回写入长度
	Append(p []byte) (int, error)

	// Close 关闭输出汇
	Close() error
}

// Params 是创建 Sink 时的参数
type Params struct {
	// Path 文件路径（file 类型）
	Path string

	// RedisAddr Redis 地址（redis 类型）
	RedisAddr string

	// RedisPassword Redis 密码
	RedisPassword string

	// RedisDB Redis 数据库
	RedisDB int

	// RedisKey 追加写入的键
	RedisKey string

	// Logger 日志记录器
	Logger *zap.Logger
}

// Factory 是创建 Sink 的工厂函数类型
type Factory func(params Params) (Sink, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册输出汇工厂
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get 获取输出汇工厂
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// List 列出所有已注册的输出汇类型
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create 创建输出汇实例
func Create(sinkType string, params Params) (Sink, error) {
	factory, ok := Get(sinkType)
	if !ok {
		return nil, &UnknownSinkError{Type: sinkType}
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	s, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("创建 %s 输出汇失败: %w", sinkType, err)
	}
	return s, nil
}

// UnknownSinkError 未知输出汇类型错误
type UnknownSinkError struct {
	Type string
}

func (e *UnknownSinkError) Error() string {
	return "未知的输出汇类型: " + e.Type
}
