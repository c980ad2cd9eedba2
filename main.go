package main

import "inpaint-service/cmd"

func main() {
	cmd.Execute()
}
