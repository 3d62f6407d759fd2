package main

import "github.com/deploymenttheory/go-vbk/cmd"

func main() {
	cmd.Execute()
}
