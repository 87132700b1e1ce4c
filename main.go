package main

import (
	"fmt"
	"os"
)

// 版本資訊 (由 ldflags 注入，EPEVER_VERSION 可覆蓋橫幅版本)
var (
	Version   = "0.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
