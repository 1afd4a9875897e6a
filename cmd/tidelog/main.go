package main

import (
	"os"

	"github.com/nuetzliches/tidelog/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
