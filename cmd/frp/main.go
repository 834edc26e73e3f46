// SPDX-License-Identifier: MIT
// Copyright (c) 2026 SupersocksR ORG.

// Command frp runs the reverse-tunneling relay in either role: the client
// publishes local services through a public server, the server accepts
// tunnels and binds the advertised public ports.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/liulilittle/frp/internal/client"
	"github.com/liulilittle/frp/internal/config"
	"github.com/liulilittle/frp/internal/server"
)

var version = "1.0.0" // Set via ldflags during build

func main() {
	var cfg *config.AppConfiguration
	if !isHelpRequested(os.Args[1:]) {
		if path := config.Resolve(os.Args[1:]); path != "" {
			loaded, err := config.LoadIniFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "❌ %v\n", err)
			}
			cfg = loaded
		}
	}
	if cfg == nil {
		printHelp()
		os.Exit(0)
	}

	signal.Ignore(syscall.SIGPIPE)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.Mode == config.ModeServer {
		runServer(cfg)
	} else {
		runClient(cfg)
	}
	os.Exit(0)
}

func runServer(cfg *config.AppConfiguration) {
	switches := server.NewSwitches(cfg)
	if err := switches.Open(); err != nil {
		logrus.Errorf("open switches: %v", err)
		os.Exit(0)
	}
	defer switches.Close()

	endpoint := cfg.Addr()
	if addr := switches.Addr(); addr != nil {
		endpoint = addr.String()
	}
	printBanner(cfg, endpoint)
	waitForShutdown()
}

func runClient(cfg *config.AppConfiguration) {
	router := client.NewRouter(cfg)
	if err := router.Open(); err != nil {
		logrus.Errorf("open router: %v", err)
		os.Exit(0)
	}
	defer router.Close()

	printBanner(cfg, cfg.Addr())
	waitForShutdown()
}

func waitForShutdown() {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc
}

func printBanner(cfg *config.AppConfiguration, endpoint string) {
	cwd, _ := os.Getwd()
	fmt.Println("Application started. Press Ctrl+C to shut down.")
	fmt.Println("Loopback:")
	fmt.Printf("Mode                  : %s\n", cfg.Mode)
	fmt.Printf("Process               : %d\n", os.Getpid())
	fmt.Printf("Protocol              : %s\n", cfg.Protocol)
	fmt.Printf("Cwd                   : %s\n", cwd)
	fmt.Printf("TCP/IP                : %s\n", endpoint)
}

func isHelpRequested(args []string) bool {
	for _, arg := range args {
		switch arg {
		case "-h", "--h", "-help", "--help", "-?", "--?":
			return true
		}
	}
	return false
}

func printHelp() {
	cwd, _ := os.Getwd()
	executable, _ := os.Executable()
	fmt.Println("Copyright (C) 2017 ~ 2026 SupersocksR ORG. All rights reserved.")
	fmt.Printf("FRP(X) %s Version\n\n", version)
	fmt.Println("Cwd:")
	fmt.Printf("    %s\n", cwd)
	fmt.Println("Usage:")
	fmt.Printf("    ./%s -c [config.ini]\n", filepath.Base(executable))
	fmt.Println("Default configuration files:")
	fmt.Println("    frp.ini, frpd.ini, frpc.ini, frps.ini")
}
