package idgen

// Generator 唯一 ID 生成器
//
// 动作事件等持久化记录的主键来源，实现必须保证
// 进程内并发安全。
type Generator interface {
	// NextID 生成下一个唯一 ID
	NextID() (int64, error)
}
