package main

import (
	"log"

	"go.shoal.dev/shoal/src/shoalcmd"
)

func main() {
	if err := shoalcmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
