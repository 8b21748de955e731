package main

import "github.com/sergiochan/openpocket/cmd"

func main() {
	cmd.Execute()
}
