package main

import "github.com/joho/godotenv"

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()
	Execute()
}
