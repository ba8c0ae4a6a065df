package main

import "github.com/chaperone-dev/chaperone/cmd/chaperone/cmd"

func main() {
	cmd.Execute()
}
