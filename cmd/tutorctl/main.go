// Package main provides tutorctl, a command line client for ingesting
// textbooks and asking questions without running the HTTP services.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := newRootCmd(nil).Execute(); err != nil {
		os.Exit(1)
	}
}
