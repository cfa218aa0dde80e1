// Command mcpagg is the aggregator's entry point.
package main

import "github.com/mcpagg/mcpagg/cmd/mcpagg/cmd"

func main() {
	cmd.Execute()
}
