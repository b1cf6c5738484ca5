package main

import "github.com/nextlevelbuilder/smsflow/cmd"

func main() {
	cmd.Execute()
}
