// Package main provides the entry point for the build-engine CLI.
package main

import "yqhp/build-engine/cmd"

func main() {
	cmd.Execute()
}
