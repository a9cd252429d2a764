// Command groupresolver runs the worked upcall-cache example: resolve
// supplementary group ids for one or more uids against a simulated
// external resolver.
package main

import (
	"os"

	"github.com/nsscache/upcallcache/examples/groupresolver"
)

func main() {
	os.Exit(groupresolver.Main(os.Args[1:]))
}
