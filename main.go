package main

import "github.com/samuelwildary2025/novo-agente/cmd"

func main() {
	cmd.Execute()
}
