// The main package for the harvester executable.
package main

import "github.com/JakeFAU/leaderboard-crawler/cmd"

func main() {
	cmd.Execute()
}
