package main

import "github.com/moat-sh/moat/internal/cli"

func main() {
	cli.Execute()
}
