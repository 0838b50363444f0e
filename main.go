// The main package for the catalog-archiver executable.
package main

import (
	"github.com/JakeFAU/catalog-archiver/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
