// Package main is the entry point for the connector load test binary. It
// provides subcommands for different load testing scenarios:
//
//   - saturate: connection saturation test
//   - submit:   sustained share-submission test
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test — opens N idle connections")
	fmt.Println("  submit      Sustained share-submission test — N connections each sending")
	fmt.Println("              periodic mining.submit-shaped lines")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
