package main

import "github.com/deploymenttheory/go-forensicfs/cmd"

func main() {
	cmd.Execute()
}
