package main

import "github.com/leadpulse/leadpulse/cmd"

func main() {
	cmd.Execute()
}
