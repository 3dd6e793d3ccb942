/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "murmur/cmd"

func main() {
	cmd.Execute()
}
