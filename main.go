// The main package for the contentfetch executable.
package main

import (
	"github.com/rainpipe/contentfetch/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
