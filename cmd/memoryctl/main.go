package main

import "github.com/companionhq/companion/cmd/memoryctl/cli"

func main() {
	cli.Execute()
}
