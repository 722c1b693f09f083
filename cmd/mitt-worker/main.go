package main

import (
	"os"

	"github.com/mitt-app/mitt-worker/config"
	"github.com/mitt-app/mitt-worker/internal/infrastructure/logger"
)

var version = "dev"

func main() {
	if err := newRootCmd(config.Load).Execute(); err != nil {
		logger.Error.Printf("%v", err)
		os.Exit(1)
	}
}
