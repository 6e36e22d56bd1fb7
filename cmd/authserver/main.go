// Package main is the entry point for the authserver command
package main

import (
	"os"

	"github.com/giantswarm/oidc-authserver/cmd/authserver/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
