// The main package for the radar executable.
package main

import (
	"github.com/Jabawack/bay-area-radar/cmd"
)

func main() {
	cmd.Execute()
}
