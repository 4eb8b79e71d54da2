package main

import "github.com/airlock-lab/airlock/cmd"

func main() {
	cmd.Execute()
}
