package main

import "github.com/example/facematch/cmd"

func main() {
	cmd.Execute()
}
