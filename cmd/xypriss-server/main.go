// Command xypriss-server runs the XyPriss HTTP server framework.
package main

import "github.com/xypriss/xypriss/cli"

func main() {
	if err := cli.Execute(); err != nil {
		panic(err)
	}
}
