package main

import "github.com/arcward/shardkeeper/cmd"

func main() {
	cmd.Execute()
}
