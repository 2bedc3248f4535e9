package main

import "github.com/tanq16/pullstream/cmd"

func main() {
	cmd.Execute()
}
