package main

import "github.com/audiolibrelab/stemdeck/cmd"

func main() {
	cmd.Execute()
}
