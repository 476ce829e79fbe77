package main

import "github.com/bobarin/composer/internal/cli"

func main() {
	cli.Execute()
}
