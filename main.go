package main

import (
	"fmt"
	"os"

	"conveyor/cmd"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: conveyor <run|serve> [flags]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmd.Run(os.Args[2:])
	case "serve":
		err = cmd.Serve(os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", os.Args[1])
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
