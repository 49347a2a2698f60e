package main

import "github.com/quietloop/steward/cmd"

func main() {
	cmd.Execute()
}
