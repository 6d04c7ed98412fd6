package main

import "github.com/stevehiehn/testagent/cmd"

func main() {
	cmd.Execute()
}
