package main

import "github.com/turbolytics/tabulator/internal/cmd"

func main() {
	cmd.Execute()
}
