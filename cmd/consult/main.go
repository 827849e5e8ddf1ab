package main

import "github.com/vineethgoud568-prog/CureMos/internal/cli"

func main() {
	cli.Execute()
}
