package main

import (
	_ "time/tzdata"

	"cap-rebalancer/internal/cli"
)

func main() {
	cli.Execute()
}
