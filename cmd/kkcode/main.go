// kkcode drives a long-running coding agent through staged parallel plans,
// either as a one-shot foreground run or as a service with a control API.
package main

import "github.com/kkelly-offical/kkcode-sub002/pkg/commands"

func main() {
	commands.Execute()
}
