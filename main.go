// Command crmsync is the offline-first CRM sync client.
package main

import "github.com/marcus/crmsync/cmd"

// Version is stamped by the release build with
// -ldflags "-X main.Version=v1.2.3". Untagged builds report "dev" or the
// module version and VCS revision recorded in the binary.
var Version = "dev"

func main() {
	cmd.SetVersion(Version)
	cmd.Execute()
}
