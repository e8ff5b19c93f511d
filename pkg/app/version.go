package app

import (
	"fmt"
	"runtime"
)

// 构建信息，通过 -ldflags 注入
var (
	AppName   = "tilestone"
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info 版本信息
type Info struct {
	AppName   string
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
}

// GetInfo 获取版本信息
func GetInfo() Info {
	return Info{
		AppName:   AppName,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String 格式化为启动横幅
func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s)",
		i.AppName, i.Version, i.GitCommit, i.BuildDate, i.GoVersion)
}
