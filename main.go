package main

import "github.com/chunkflow/chunkflow/cmd"

func main() {
	cmd.Execute()
}
