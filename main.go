// The main package for the listcrawld executable.
package main

import "github.com/jstrand/listcrawld/cmd"

func main() {
	cmd.Execute()
}
