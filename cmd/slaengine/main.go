package main

import "github.com/terminal-bench/slaengine/cmd/slaengine/cmd"

func main() {
	cmd.Execute()
}
