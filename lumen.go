package main

import (
	"github.com/caesium-cloud/lumen/cmd"
	"github.com/caesium-cloud/lumen/pkg/env"
	"github.com/caesium-cloud/lumen/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("lumen failure", "error", err)
	}
}
