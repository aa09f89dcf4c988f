// Command simbus runs the registry and the system monitor of a simbus
// domain.
package main

import (
	"github.com/sarchlab/simbus/simbus/cmd"
)

func main() {
	cmd.Execute()
}
