package main

import "github.com/zb-project/zb/cmd/zbx/cmd"

func main() {
	cmd.Execute()
}
