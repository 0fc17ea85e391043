package main

import "navfund/internal/cli"

func main() {
	cli.Execute()
}
