package main

import (
	"os"

	"github.com/jo-hoe/clipwatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
