package main

import (
	"github.com/joho/godotenv"

	"github.com/tmardale/coursehub-backend/internal/cli"
)

func main() {
	// Missing .env is fine; deployments set real environment variables.
	_ = godotenv.Load()
	cli.Execute()
}
