package main

import "chainwatch/internal/cli"

func main() {
	cli.Execute()
}
