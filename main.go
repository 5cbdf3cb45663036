package main

import "github.com/jmehdipour/partner-gateway/cmd"

func main() {
	cmd.Execute()
}
