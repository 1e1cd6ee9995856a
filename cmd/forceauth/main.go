package main

import "github.com/kserw/forceauth-sub002/cmd/forceauth/cmd"

func main() {
	cmd.Execute()
}
