package main

import "github.com/terraconstructs/authbridge/cmd/authbridge/cmd"

func main() {
	cmd.Execute()
}
