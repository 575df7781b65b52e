package main

import (
	"fmt"

	"github.com/any-hub/cache-proxy/internal/version"
)

// printVersion 输出注入的版本与提交信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
