package main

import "github.com/nextlevelbuilder/orka/cmd"

func main() {
	cmd.Execute()
}
