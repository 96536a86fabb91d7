package main

import "github.com/hkhosravi/notification-gateway/cmd"

func main() {
	cmd.Execute()
}
