package main

import "github.com/cryptohome/storagecore/internal/cli"

func main() {
	cli.Execute()
}
