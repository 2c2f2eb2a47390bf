package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
