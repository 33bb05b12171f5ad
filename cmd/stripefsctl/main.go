package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	commandInit()

	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
