package main

import (
	"log"

	"swarmd/cmd/swarmd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatal(err)
	}
}
