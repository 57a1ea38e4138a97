package main

import (
	"fmt"
	"os"

	"github.com/questforge/engine/internal/runtime"
)

func main() {
	app, err := runtime.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}
