package main

import "fx-rate-pipeline/internal/cli"

func main() {
	cli.Execute()
}
