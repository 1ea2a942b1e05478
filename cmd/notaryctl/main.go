package main

import "notary/cmd/notaryctl/cmd"

func main() {
	cmd.Execute()
}
