// Package main is the entrypoint of the researcher executable.
package main

import "github.com/JakeFAU/company-research/cmd"

func main() {
	cmd.Execute()
}
