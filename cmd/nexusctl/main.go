package main

import (
	"log"

	"github.com/austindbirch/nexus/cmd/nexusctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
