package main

import (
	"os"

	"github.com/Dicklesworthstone/steamboost/cmd/steamboost/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
