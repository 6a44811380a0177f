package main

import (
	"log"

	"github.com/austindbirch/hitrelay/cmd/hitctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
