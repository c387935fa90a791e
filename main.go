package main

import "github.com/novachat/nova/cmd"

func main() {
	cmd.Execute()
}
