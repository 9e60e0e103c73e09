package main

import "github.com/dbsmedya/nrdiscovery/cmd/nrdiscovery/cmd"

func main() {
	cmd.Execute()
}
