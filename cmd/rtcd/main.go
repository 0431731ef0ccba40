package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/bazarapp/rtc/internal/daemon"
	"github.com/bazarapp/rtc/internal/profile"
)

func main() {
	profileFlag := flag.String("profile", profile.DefaultName, "profile name")
	userFlag := flag.String("user", "", "authenticated user id")
	flag.Parse()

	if err := profile.ValidateName(*profileFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		os.Exit(1)
	}
	if os.Getenv(daemon.TokenEnv) == "" {
		fmt.Fprintf(os.Stderr, "warning: %s not set, relay connection will be refused\n", daemon.TokenEnv)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: *profileFlag, UserID: *userFlag}),
	)

	app.Run()
}
