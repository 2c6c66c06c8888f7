package main

import (
	"os"

	simweavecmder "github.com/simweave/simweave/cmd/simweave"
)

func main() {
	cmd := simweavecmder.NewSimweaveCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
