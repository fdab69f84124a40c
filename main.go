// The main package for the shopcap executable.
package main

import (
	"shopcap/cmd"
)

func main() {
	cmd.Execute()
}
