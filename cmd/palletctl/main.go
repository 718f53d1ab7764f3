package main

import (
	"log"

	"github.com/austindbirch/pallet_sync/cmd/palletctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
