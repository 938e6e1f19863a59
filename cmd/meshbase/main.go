package main

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	. "github.com/PelionIoT/meshbase/logging"
	. "github.com/PelionIoT/meshbase/server"
)

const MESHBASE_VERSION = "0.1.0"

var usage string = `Usage: meshbase <command> <arguments> | -version

Commands:
    start      Start a meshbase node
    conf       Generate a template config file for a node
    status     Show the proxies and shadows of a running node

Use meshbase help <command> for more usage information about a command.
`

var commandUsage string = "Usage: meshbase %s <arguments>\n"

func main() {
	startCommand := flag.NewFlagSet("start", flag.ExitOnError)
	confCommand := flag.NewFlagSet("conf", flag.ExitOnError)
	statusCommand := flag.NewFlagSet("status", flag.ExitOnError)
	helpCommand := flag.NewFlagSet("help", flag.ExitOnError)

	startConfigFile := startCommand.String("conf", "", "The config file for this server")

	statusHost := statusCommand.String("host", "localhost", "The hostname or ip of the node to query")
	statusPort := statusCommand.Int("port", 9090, "The port of the node to query")

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s", "No command specified\n\n")
		fmt.Fprintf(os.Stderr, "%s", usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startCommand.Parse(os.Args[2:])
	case "conf":
		confCommand.Parse(os.Args[2:])
	case "status":
		statusCommand.Parse(os.Args[2:])
	case "help":
		helpCommand.Parse(os.Args[2:])
	case "-help":
		fmt.Fprintf(os.Stderr, "%s", usage)
		os.Exit(0)
	case "-version":
		fmt.Fprintf(os.Stdout, "%s\n", MESHBASE_VERSION)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Error: \"%s\" is not a recognized command\n\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "%s", usage)
		os.Exit(1)
	}

	if startCommand.Parsed() {
		if *startConfigFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No config file specified\n")
			os.Exit(1)
		}

		start(*startConfigFile)
	}

	if confCommand.Parsed() {
		fmt.Fprintf(os.Stderr, "%s", templateConfig)
		os.Exit(0)
	}

	if statusCommand.Parsed() {
		if err := status(os.Stdout, *statusHost, *statusPort); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Unable to get the status of %s:%d: %v\n", *statusHost, *statusPort, err)
			os.Exit(1)
		}

		os.Exit(0)
	}

	if helpCommand.Parsed() {
		if len(os.Args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: No command specified for help\n")
			os.Exit(1)
		}

		var flagSet *flag.FlagSet

		switch os.Args[2] {
		case "start":
			flagSet = startCommand
		case "conf":
			fmt.Fprintf(os.Stderr, "Usage: meshbase conf\n")
			os.Exit(0)
		case "status":
			flagSet = statusCommand
		default:
			fmt.Fprintf(os.Stderr, "Error: \"%s\" is not a valid command.\n", os.Args[2])
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, commandUsage+"\n", os.Args[2])
		flagSet.PrintDefaults()
		os.Exit(0)
	}
}

func start(configFile string) {
	var sc ServerConfig

	err := sc.LoadFromFile(configFile)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config file: %s\n", err.Error())

		os.Exit(1)
	}

	server, err := NewServer(sc)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to create server: %s\n", err.Error())

		os.Exit(1)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signals

		Log.Info("Shutting down")

		server.Stop()
	}()

	server.Start()
}
