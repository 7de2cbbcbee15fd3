package main

import "github.com/boothsbychristy-ops/arcana-event-os-sub001/cmd/cli"

func main() {
	cli.Execute()
}
