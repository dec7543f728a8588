package ecs

import "fmt"

// NodeKind 调度图节点类型
type NodeKind uint8

const (
	SystemNode NodeKind = iota
	SetNode
)

// NodeID 调度图中的节点，系统和系统集各自编号
type NodeID struct {
	Kind  NodeKind
	Index int
}

func (n NodeID) String() string {
	if n.Kind == SetNode {
		return fmt.Sprintf("Set(%d)", n.Index)
	}
	return fmt.Sprintf("System(%d)", n.Index)
}

// Condition 运行条件
type Condition struct {
	Name string
}

// GraphSystem 调度图中的系统节点
type GraphSystem struct {
	Name       string
	Conditions []Condition
}

// SystemSet 调度图中的系统集节点
type SystemSet struct {
	Anonymous  bool
	Debug      string
	Conditions []Condition
}

// Graph 调度依赖图，Order为目标进程缓存的拓扑序
type Graph struct {
	Order   []NodeID
	Systems map[int]GraphSystem
	Sets    map[int]SystemSet
}

// Access 系统的读写访问，元素为SlotID
type Access struct {
	Reads  []SlotID
	Writes []SlotID
}

// System 已编译的可执行系统
type System struct {
	Name         string
	Exclusive    bool
	ThreadAffine bool // 只能在主线程运行(!Send)
	Deferred     bool // 有延迟执行的命令
	Access       *Access
}

// Schedule is a read-only handle to the schedule being run.
type Schedule interface {
	Label() string
	ExecutorKind() (string, error)
	Graph() (*Graph, error)
	// Executable returns the compiled system list in run order.
	Executable() ([]System, error)
}
