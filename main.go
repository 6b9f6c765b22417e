package main

import "sampsort/cmd"

func main() {
	cmd.Execute()
}
