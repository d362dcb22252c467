package main

import "github.com/nextlevelbuilder/boardroom/cmd"

func main() {
	cmd.Execute()
}
