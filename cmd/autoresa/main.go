package main

import "github.com/example/suaps-autoresa/cmd"

func main() {
	cmd.Execute()
}
