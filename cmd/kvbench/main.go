package main

import "github.com/myuser/strata/cmd/kvbench/commands"

func main() {
	commands.Execute()
}
