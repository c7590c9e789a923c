// The main package for the buyboxq executable.
package main

import (
	"github.com/JakeFAU/buybox-queue/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
