package main

import (
	"os"

	"credential-coordinator/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
