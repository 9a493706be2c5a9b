// Command mcpgate bridges a local stdio JSON-RPC client to a remote MCP server
// exposed over HTTP POST + SSE.
package main

import (
	"log"
	"os"

	"github.com/viant/mcpgate/bridge"
)

func main() {
	if err := bridge.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
