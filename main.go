package main

import (
	"github.com/rolecall-bot/rolecall/cmd"
)

func main() {
	cmd.Execute()
}
