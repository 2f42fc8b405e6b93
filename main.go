package main

import "wegate/cmd"

func main() {
	cmd.Execute()
}
