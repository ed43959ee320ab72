package main

import "github.com/jmallory/polyllm/cmd"

func main() {
	cmd.Execute()
}
