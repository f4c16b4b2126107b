package main

import (
	"github.com/lovinmaxwell/nexus/cmd"
)

func main() {
	cmd.Execute()
}
