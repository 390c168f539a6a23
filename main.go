package main

import "github.com/kozaktomas/face-blocker/cmd"

func main() {
	cmd.Execute()
}
