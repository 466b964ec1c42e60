package version

import "fmt"

// 构建时通过 -ldflags "-X .../internal/version.Version=..." 覆盖。
var (
	Version = "0.1.0"
	Commit  = "dev"
	Name    = "imgrelay"
)

// Full 返回 "<name> <version> (<commit>)"，供 --version 与 /-/healthz 使用。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
