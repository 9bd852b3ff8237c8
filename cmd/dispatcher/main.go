// Package main 是 dispatcher CLI 的入口
package main

import "yqhp/dispatcher/cmd"

func main() {
	cmd.Execute()
}
