package main

import "github.com/dorkos-sh/dorkos/cmd"

func main() {
	cmd.Execute()
}
