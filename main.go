package main

import "github.com/fieldworks/fieldsync/cmd"

func main() {
	cmd.Execute()
}
