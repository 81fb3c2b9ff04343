package main

import "github.com/openclaw/gateway/cmd"

func main() {
	cmd.Execute()
}
