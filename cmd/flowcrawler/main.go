// Command flowcrawler runs the workflow extraction pipeline. See `flowcrawler --help`.
package main

import "github.com/JakeFAU/flowcrawler/cmd"

func main() {
	cmd.Execute()
}
