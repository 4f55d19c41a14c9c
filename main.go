package main

import "github.com/LaugeSvan/DenFrieDigiSkole/cmd"

func main() {
	cmd.Execute()
}
