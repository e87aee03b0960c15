/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/Tamnud-ghule/KUINBEE/cmd"

func main() {
	cmd.Execute()
}
