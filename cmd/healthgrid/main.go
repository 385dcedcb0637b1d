package main

import "github.com/healthgrid-eu/healthgrid/cli/cmd"

func main() {
	cmd.Execute()
}
