package main

import "github.com/appkitstudio/llamactl/internal/cli"

func main() {
	cli.Execute()
}
